// Command echo runs a laminar server and client against each other over
// loopback: the client sends ReliableOrdered lines and the server echoes
// them back. With -server, it only binds the server address and listens;
// there is no client-only mode, so every run without -server binds the
// server address as well.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/SpeedyNinja/laminar/laminar"
)

func main() {
	var (
		serverAddrStr = flag.String("server-addr", "127.0.0.1:7777", "server address")
		clientAddrStr = flag.String("client-addr", "127.0.0.1:0", "client bind address")
		serverOnly    = flag.Bool("server", false, "run as a standalone server, no client loop")
	)
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg := laminar.DefaultConfig()

	server, err := laminar.Bind(*serverAddrStr, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bind server: %v\n", err)
		os.Exit(1)
	}
	defer server.Close()

	serverStop := make(chan struct{})
	go runEchoLoop(server, serverStop)

	pollStop := make(chan struct{})
	go func() {
		if err := server.Run(pollStop); err != nil {
			fmt.Fprintf(os.Stderr, "server driver stopped: %v\n", err)
		}
	}()

	if *serverOnly {
		fmt.Printf("echo server listening on %s\n", server.LocalAddr())
		select {}
	}

	client, err := laminar.Bind(*clientAddrStr, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bind client: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	clientPollStop := make(chan struct{})
	go func() {
		if err := client.Run(clientPollStop); err != nil {
			fmt.Fprintf(os.Stderr, "client driver stopped: %v\n", err)
		}
	}()

	serverAddr, err := net.ResolveUDPAddr("udp", *serverAddrStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve: %v\n", err)
		os.Exit(1)
	}

	clientStop := make(chan struct{})
	go func() {
		for {
			ev, ok := client.Recv(clientStop)
			if !ok {
				return
			}
			if ev.Type == laminar.EventPacket {
				fmt.Printf("client got echo: %s\n", ev.Packet.Payload)
			}
		}
	}()

	for i := 0; i < 5; i++ {
		msg := fmt.Sprintf("hello #%d", i)
		if err := client.Send(laminar.OutPacket{
			Addr:      serverAddr,
			Payload:   []byte(msg),
			Guarantee: laminar.ReliableOrdered,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	time.Sleep(500 * time.Millisecond)
	close(clientPollStop)
	close(clientStop)
	close(pollStop)
	close(serverStop)
}

func runEchoLoop(sock *laminar.Socket, stop chan struct{}) {
	for {
		ev, ok := sock.Recv(stop)
		if !ok {
			return
		}
		switch ev.Type {
		case laminar.EventPacket:
			fmt.Printf("server recv from %s: %s\n", ev.Addr, ev.Packet.Payload)
			_ = sock.Send(laminar.OutPacket{
				Addr:      ev.Addr,
				Payload:   ev.Packet.Payload,
				Guarantee: laminar.ReliableOrdered,
			})
		case laminar.EventConnect:
			fmt.Printf("server connected: %s\n", ev.Addr)
		case laminar.EventTimeout:
			fmt.Printf("server timed out: %s\n", ev.Addr)
		case laminar.EventError:
			fmt.Printf("server error from %s: %v\n", ev.Addr, ev.Err)
		}
	}
}
