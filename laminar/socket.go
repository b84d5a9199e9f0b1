package laminar

import (
	"net"
	"time"

	"github.com/rs/zerolog"
)

// Socket is the public façade over the driver's single-threaded event
// loop.
type Socket struct {
	d *driver
}

// Bind opens a UDP socket at addr and returns a Socket ready for
// ManualPoll/Run. Pass zerolog.Nop() for logger to disable logging
// entirely.
func Bind(addr string, cfg Config, logger zerolog.Logger) (*Socket, error) {
	ep, err := bindEndpoint(addr, cfg.ReceiveBufferMaxSize)
	if err != nil {
		return nil, err
	}
	return &Socket{d: newDriver(ep, cfg, logger)}, nil
}

// LocalAddr returns the socket's bound local address.
func (s *Socket) LocalAddr() net.Addr {
	return s.d.endpoint.localAddr()
}

// Send submits a packet for transmission. Unreliable/UnreliableSequenced
// guarantees never block: if the outbound queue is full, the oldest
// buffered entry of the same family is dropped to make room. Reliable
// guarantees block the caller until room frees up, returning
// ErrDriverClosed only if the driver shuts down while waiting.
func (s *Socket) Send(out OutPacket) error {
	return s.d.submit(out)
}

// Recv blocks until an event is available or stop is closed, returning
// false if stop fired first. Pass a nil stop to block indefinitely.
func (s *Socket) Recv(stop <-chan struct{}) (Event, bool) {
	if stop == nil {
		stop = make(chan struct{})
	}
	return s.d.events.pop(stop)
}

// TryRecv returns the next queued event without blocking.
func (s *Socket) TryRecv() (Event, bool) {
	return s.d.events.tryPop()
}

// ManualPoll runs exactly one iteration of the poll loop for the given
// instant. Callers that want to drive ticking themselves
// (e.g. inside an existing game loop) use this directly instead of Run.
func (s *Socket) ManualPoll(now time.Time) {
	s.d.manualPoll(now)
}

// Run drives the poll loop at cfg.TickInterval until stop is closed.
func (s *Socket) Run(stop <-chan struct{}) error {
	return s.RunWithTick(s.d.cfg.TickInterval, stop)
}

// RunWithTick drives the poll loop at the given interval until stop is
// closed or a fatal error occurs.
func (s *Socket) RunWithTick(interval time.Duration, stop <-chan struct{}) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return nil
		case now := <-ticker.C:
			s.d.manualPoll(now)
			if err := s.d.err(); err != nil {
				return err
			}
		}
	}
}

// Err returns the fatal error that closed the driver, if any.
func (s *Socket) Err() error {
	return s.d.err()
}

// Close shuts down the underlying UDP socket. Safe to call once.
func (s *Socket) Close() error {
	return s.d.close()
}

// Stats returns a snapshot of local-and-silent drop counters.
func (s *Socket) Stats() Stats {
	return s.d.snapshotStats()
}

// ConnectionCount reports the number of virtual connections currently
// held in the table.
func (s *Socket) ConnectionCount() int {
	return s.d.connectionCount()
}

// SetLinkConditioner installs a packet-loss injector on both the send and
// receive paths, for tests that need to exercise the reliability layer
// under loss (see the conditioner package).
func (s *Socket) SetLinkConditioner(l conditionerLink) {
	s.d.setLinkConditioner(l)
}
