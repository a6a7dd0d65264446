// Copyright (C) 2025 The LCP Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command lcp runs an LCP peer with a line-oriented console: discovered
// peers, incoming messages and files are printed, and slash commands
// drive the outgoing side.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ALbertE03/scr-lcp-2025/internal/config"
	"github.com/ALbertE03/scr-lcp-2025/internal/events"
	"github.com/ALbertE03/scr-lcp-2025/internal/lcp"
	"github.com/ALbertE03/scr-lcp-2025/internal/slogutil"
)

type CLI struct {
	Name            string        `help:"Peer name announced on the network (default: derived from the hostname)"`
	Port            int           `default:"9990" help:"Well-known port for UDP control traffic and TCP file streams"`
	Broadcast       []string      `help:"Broadcast addresses, dotted quads (default: one per interface)"`
	Dir             string        `default:"." help:"Directory for received files"`
	DiscoveryPeriod time.Duration `default:"10s" help:"Interval between presence announcements"`
	PeerTimeout     time.Duration `default:"90s" help:"Silence after which a peer is considered offline"`
	MaxFileSends    int           `default:"0" help:"Cap on concurrent file sends (0 = computed from system resources)"`
	MetricsListen   string        `help:"Prometheus metrics listen address"`
	Debug           bool          `default:"false" help:"Print debug output"`
}

func main() {
	var cli CLI
	kong.Parse(&cli)
	if err := cli.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (cli *CLI) Run() error {
	if cli.Debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	cfg := config.Defaults()
	cfg.LocalPeerID = cli.Name
	cfg.Port = cli.Port
	cfg.BroadcastAddresses = cli.Broadcast
	cfg.ReceivedFileDirectory = cli.Dir
	cfg.DiscoveryPeriod = cli.DiscoveryPeriod
	cfg.PeerTimeout = cli.PeerTimeout
	cfg.MaxConcurrentFileSends = cli.MaxFileSends
	cfg.MetricsListen = cli.MetricsListen
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				slog.Error("Metrics listener failed", slogutil.Error(err))
			}
		}()
	}

	peer, err := lcp.New(cfg)
	if err != nil {
		return err
	}
	peer.Start()
	defer peer.Stop()

	fmt.Printf("You are %q on port %d. Type /help for commands.\n", peer.ID(), peer.Port())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sub := peer.Subscribe(events.AllEvents)
	defer peer.Unsubscribe(sub)
	go printEvents(sub)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("Shutting down.")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "/quit" {
				return nil
			}
			if err := cli.command(ctx, peer, line); err != nil {
				fmt.Println("!", err)
			}
		}
	}
}

func (cli *CLI) command(ctx context.Context, peer *lcp.Peer, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	cmd, rest, _ := strings.Cut(line, " ")

	switch cmd {
	case "/help":
		fmt.Print(`Commands:
  /peers                      list online peers
  /msg <peer> <text>          send a direct message
  /all <text>                 broadcast a message
  /send <peer> <path>         send a file
  /group create <name>        create a group
  /group invite <name> <peer> invite a peer
  /group join <name>          join a known group
  /group send <name> <text>   message a group
  /quit                       exit
`)
		return nil

	case "/peers":
		for _, p := range peer.Peers() {
			fmt.Printf("  %-20s %s (last seen %s ago)\n", p.Name, p.Addr, time.Since(p.LastSeen).Round(time.Second))
		}
		return nil

	case "/msg":
		to, text, ok := strings.Cut(rest, " ")
		if !ok {
			return fmt.Errorf("usage: /msg <peer> <text>")
		}
		return peer.SendMessage(ctx, to, text)

	case "/all":
		if rest == "" {
			return fmt.Errorf("usage: /all <text>")
		}
		return peer.Broadcast(ctx, rest)

	case "/send":
		to, path, ok := strings.Cut(rest, " ")
		if !ok {
			return fmt.Errorf("usage: /send <peer> <path>")
		}
		return peer.SendFile(to, path)

	case "/group":
		sub, rest, _ := strings.Cut(rest, " ")
		switch sub {
		case "create":
			return peer.Groups().Create(ctx, rest)
		case "invite":
			name, who, ok := strings.Cut(rest, " ")
			if !ok {
				return fmt.Errorf("usage: /group invite <name> <peer>")
			}
			return peer.Groups().Invite(ctx, name, who)
		case "join":
			return peer.Groups().Join(rest)
		case "send":
			name, text, ok := strings.Cut(rest, " ")
			if !ok {
				return fmt.Errorf("usage: /group send <name> <text>")
			}
			return peer.Groups().SendMessage(ctx, name, text)
		default:
			return fmt.Errorf("unknown group command %q", sub)
		}

	default:
		return fmt.Errorf("unknown command %q, try /help", cmd)
	}
}

func printEvents(sub *events.Subscription) {
	for ev := range sub.C() {
		switch ev.Type {
		case events.PeerOnline:
			pc := ev.Data.(events.PeerChange)
			fmt.Printf("* %s is online (%s)\n", pc.Peer, pc.Address)
		case events.PeerOffline:
			pc := ev.Data.(events.PeerChange)
			fmt.Printf("* %s went offline\n", pc.Peer)
		case events.MessageReceived:
			msg := ev.Data.(events.Message)
			fmt.Printf("<%s> %s\n", msg.Peer, msg.Text)
		case events.FileReceived:
			f := ev.Data.(events.File)
			fmt.Printf("* %s sent a file: %s\n", f.Peer, f.Path)
		case events.FileProgress:
			pr := ev.Data.(events.Progress)
			switch pr.State {
			case events.TransferProgress:
				fmt.Printf("* sending %s to %s: %d%%\n", pr.Path, pr.Peer, pr.Percent)
			default:
				fmt.Printf("* sending %s to %s: %s\n", pr.Path, pr.Peer, pr.State)
			}
		case events.GroupInvite:
			inv := ev.Data.(events.Invitation)
			fmt.Printf("* %s invited you to group %q (/group join %s)\n", inv.From, inv.Group, inv.Group)
		}
	}
}
