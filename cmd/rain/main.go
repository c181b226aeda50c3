// Command rain is a standalone BitTorrent client driving the session
// package from the command line: add a torrent/magnet, list progress,
// or run with the HTTP/JSON-RPC control surface enabled.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	rain "github.com/cenkalti/rain"
	"github.com/cenkalti/rain/internal/logger"
	"github.com/cenkalti/rain/rpc"
	"github.com/cenkalti/rain/session"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "rain:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return usageError()
	}
	cmd, rest := args[0], args[1:]

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file overriding the defaults")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	cfg := rain.DefaultConfig
	if *configPath != "" {
		loaded, err := rain.LoadConfig(*configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = *loaded
	}
	if *debug {
		logger.SetLevel(logger.DEBUG)
	}

	s, err := session.New(cfg)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer s.Close()

	switch cmd {
	case "add":
		return cmdAdd(s, fs.Args())
	case "list":
		return cmdList(s)
	case "remove":
		return cmdRemove(s, fs.Args())
	case "serve":
		return cmdServe(s, cfg)
	default:
		return usageError()
	}
}

func cmdAdd(s *session.Session, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: rain add <magnet-uri-or-torrent-file>")
	}
	arg := args[0]

	var (
		t   *session.Torrent
		err error
	)
	switch {
	case strings.HasPrefix(arg, "magnet:"), strings.HasPrefix(arg, "http://"), strings.HasPrefix(arg, "https://"):
		t, err = s.AddURI(arg)
	default:
		f, openErr := os.Open(arg)
		if openErr != nil {
			return openErr
		}
		defer f.Close()
		t, err = s.AddTorrent(f)
	}
	if err != nil {
		return err
	}
	if err = t.Start(); err != nil {
		return err
	}
	fmt.Printf("added %s (id %s)\n", t.Name(), t.ID())
	return nil
}

func cmdList(s *session.Session) error {
	for _, t := range s.ListTorrents() {
		stats, err := t.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\t%s\t%d/%d pieces\n", t.ID(), t.Name(), stats.Status, stats.PiecesVerified, stats.PiecesTotal)
	}
	return nil
}

func cmdRemove(s *session.Session, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: rain remove <id>")
	}
	return s.RemoveTorrent(args[0])
}

func cmdServe(s *session.Session, cfg rain.Config) error {
	if !cfg.RPCEnabled {
		return fmt.Errorf("rpc_enabled is false in config; nothing to serve")
	}
	srv := rpc.NewServer(s)
	if err := srv.Start(cfg.RPCHost, cfg.RPCPort); err != nil {
		return err
	}
	fmt.Printf("listening on %s:%d\n", cfg.RPCHost, cfg.RPCPort)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	srv.Stop(cfg.RPCShutdownTimeout)
	return nil
}

func usageError() error {
	return fmt.Errorf("usage: rain <add|list|remove|serve> [flags] [args]")
}
