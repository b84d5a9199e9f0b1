package laminar

import (
	"net"
	"time"
)

// table.go implements the virtual connection table: lookup, creation,
// connection-limit rejection, and idle reaping, backed by a plain
// map[string]*VirtualConnection keyed by remote address, with an
// unestablished/established connection-limit split.

// connectionTable owns every VirtualConnection for one Socket.
type connectionTable struct {
	cfg   Config
	byKey map[string]*VirtualConnection
}

func newConnectionTable(cfg Config) *connectionTable {
	return &connectionTable{
		cfg:   cfg,
		byKey: make(map[string]*VirtualConnection),
	}
}

func addrKey(addr net.Addr) string {
	return addr.String()
}

// lookup returns the existing connection for addr, if any.
func (t *connectionTable) lookup(addr net.Addr) (*VirtualConnection, bool) {
	c, ok := t.byKey[addrKey(addr)]
	return c, ok
}

// getOrCreate returns the connection for addr, creating one if the
// connection limit allows it. ok is false when the limit is reached and no
// connection exists yet for addr (connection-limit rejection).
func (t *connectionTable) getOrCreate(addr net.Addr, now time.Time) (conn *VirtualConnection, created bool, ok bool) {
	key := addrKey(addr)
	if c, exists := t.byKey[key]; exists {
		return c, false, true
	}
	connecting, established := t.counts()
	if connecting+established >= t.cfg.MaxConnections {
		return nil, false, false
	}
	if connecting >= t.cfg.MaxUnestablishedConnections {
		return nil, false, false
	}
	c := newVirtualConnection(addr, t.cfg, now)
	t.byKey[key] = c
	return c, true, true
}

func (t *connectionTable) counts() (connecting, established int) {
	for _, c := range t.byKey {
		if c.state == connConnected {
			established++
		} else if c.state == connConnecting {
			connecting++
		}
	}
	return
}

// remove drops a connection from the table, e.g. after EventTimeout or an
// explicit disconnect.
func (t *connectionTable) remove(addr net.Addr) {
	delete(t.byKey, addrKey(addr))
}

// reap finds connections idle past cfg.IdleTimeout, removes them from the
// table, and returns them so the caller can emit EventTimeout for each.
func (t *connectionTable) reap(now time.Time) []*VirtualConnection {
	var timedOut []*VirtualConnection
	for key, c := range t.byKey {
		if now.Sub(c.lastHeard) > t.cfg.IdleTimeout {
			timedOut = append(timedOut, c)
			delete(t.byKey, key)
		}
	}
	return timedOut
}

// each calls fn for every connection currently in the table, in
// unspecified order, for per-tick resend/heartbeat processing.
func (t *connectionTable) each(fn func(*VirtualConnection)) {
	for _, c := range t.byKey {
		fn(c)
	}
}

func (t *connectionTable) count() int {
	return len(t.byKey)
}
