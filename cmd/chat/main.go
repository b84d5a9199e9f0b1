// Command chat is a two-way UnreliableSequenced line chat between two
// laminar sockets on loopback, with -loss wiring a conditioner.Link into
// both sides to demonstrate the protocol staying up under induced packet
// loss.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/SpeedyNinja/laminar/conditioner"
	"github.com/SpeedyNinja/laminar/laminar"
)

func main() {
	var (
		localAddrStr  = flag.String("listen", "127.0.0.1:9001", "address to bind")
		remoteAddrStr = flag.String("peer", "127.0.0.1:9002", "peer address to chat with")
		loss          = flag.Float64("loss", 0, "fraction of packets to drop on both directions, 0..1")
	)
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	sock, err := laminar.Bind(*localAddrStr, laminar.DefaultConfig(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bind: %v\n", err)
		os.Exit(1)
	}
	defer sock.Close()

	if *loss > 0 {
		link := conditioner.New()
		link.SetPacketLoss(*loss)
		sock.SetLinkConditioner(link)
		fmt.Printf("link conditioner active: %.0f%% packet loss\n", *loss*100)
	}

	peerAddr, err := net.ResolveUDPAddr("udp", *remoteAddrStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve peer: %v\n", err)
		os.Exit(1)
	}

	pollStop := make(chan struct{})
	go func() {
		if err := sock.Run(pollStop); err != nil {
			fmt.Fprintf(os.Stderr, "driver stopped: %v\n", err)
		}
	}()
	defer close(pollStop)

	recvStop := make(chan struct{})
	go func() {
		for {
			ev, ok := sock.Recv(recvStop)
			if !ok {
				return
			}
			switch ev.Type {
			case laminar.EventPacket:
				fmt.Printf("\r%s: %s\n> ", ev.Addr, ev.Packet.Payload)
			case laminar.EventConnect:
				fmt.Printf("\rconnected: %s\n> ", ev.Addr)
			case laminar.EventTimeout:
				fmt.Printf("\rpeer timed out: %s\n> ", ev.Addr)
			}
		}
	}()
	defer close(recvStop)

	fmt.Printf("chatting on %s with peer %s, ctrl-d to quit\n> ", sock.LocalAddr(), peerAddr)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\n")
		if line == "" {
			fmt.Print("> ")
			continue
		}
		if err := sock.Send(laminar.OutPacket{
			Addr:      peerAddr,
			Payload:   []byte(line),
			Guarantee: laminar.UnreliableSequenced,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
		}
		fmt.Print("> ")
	}

	time.Sleep(50 * time.Millisecond)
}
