// udpxfer: catalog file transfer over UDP.
//
// Usage:   udpxfer serve  [--dir DIR] [--addr :4445]
//
//	udpxfer fetch  [--rendezvous HOST:4445] [--id N | --file NAME]
//	udpxfer serve-stream / fetch-stream   (same exchange over TCP)
//	udpxfer peers                         (list announced providers)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"udpxfer/internal/catalog"
	"udpxfer/internal/config"
	"udpxfer/internal/discovery"
	"udpxfer/internal/logging"
	"udpxfer/internal/progress"
	"udpxfer/internal/provider"
	"udpxfer/internal/requester"
	"udpxfer/internal/stream"
	"udpxfer/internal/transport"
	"udpxfer/internal/xfer"
)

const statsInterval = 30 * time.Second

func usage() {
	fmt.Fprint(os.Stderr, `udpxfer -- catalog file transfer over UDP

Usage:
  udpxfer serve        [flags]   Serve a directory on the rendezvous address
  udpxfer fetch        [flags]   Fetch one file from a provider
  udpxfer serve-stream [flags]   Serve a directory over TCP
  udpxfer fetch-stream [flags]   Fetch one file over TCP
  udpxfer peers        [flags]   List providers announced on the LAN

Common flags:
  --config FILE   yaml configuration (defaults apply without it)
  --log-level L   debug, info, warn, error

Run "udpxfer <command> -h" for the flags of one command.
`)
}

// env is what every command gets after flags and config are resolved.
type env struct {
	cfg   config.Config
	opts  xfer.Options
	log   *zap.Logger
	stats tally.Scope
}

type command struct {
	fs  *flag.FlagSet
	run func(ctx context.Context, e env) error
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage()
		return
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, strings.ToLower(args[0]), args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "udpxfer: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, name string, args []string) error {
	var (
		configPath string
		logLevel   string
		cfg        = config.Default()
	)
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "yaml configuration file")
	fs.StringVar(&logLevel, "log-level", "", "log level override")

	// overrides are applied after the file is loaded
	var overrides []func(*config.Config)
	str := func(flagName, def, help string, set func(*config.Config, string)) {
		v := fs.String(flagName, def, help)
		overrides = append(overrides, func(c *config.Config) {
			if isSet(fs, flagName) {
				set(c, *v)
			}
		})
	}
	num := func(flagName string, def int, help string, set func(*config.Config, int)) {
		v := fs.Int(flagName, def, help)
		overrides = append(overrides, func(c *config.Config) {
			if isSet(fs, flagName) {
				set(c, *v)
			}
		})
	}
	num("attempts", cfg.Transfer.MaxAttempts, "attempts before giving up, 0 for unlimited",
		func(c *config.Config, v int) { c.Transfer.MaxAttempts = v })
	str("digest", cfg.Transfer.Digest, "content digest: sha256 or md5",
		func(c *config.Config, v string) { c.Transfer.Digest = v })

	var cmd command
	switch name {
	case "serve", "serve-stream":
		str("dir", cfg.Provider.Dir, "directory to serve", func(c *config.Config, v string) { c.Provider.Dir = v })
		num("workers", cfg.Provider.Workers, "concurrent sessions", func(c *config.Config, v int) { c.Provider.Workers = v })
		str("name", cfg.Provider.Name, "name announced on the LAN", func(c *config.Config, v string) { c.Provider.Name = v })
		if name == "serve" {
			str("addr", cfg.Provider.Addr, "rendezvous address", func(c *config.Config, v string) { c.Provider.Addr = v })
			announce := fs.Bool("announce", false, "announce this provider on the LAN")
			overrides = append(overrides, func(c *config.Config) {
				if *announce {
					c.Discovery.Enable = true
				}
			})
			cmd = command{fs: fs, run: serve}
		} else {
			str("addr", cfg.Provider.StreamAddr, "listen address", func(c *config.Config, v string) { c.Provider.StreamAddr = v })
			cmd = command{fs: fs, run: serveStream}
		}
	case "fetch", "fetch-stream":
		str("dest", cfg.Requester.DestDir, "directory for the fetched file", func(c *config.Config, v string) { c.Requester.DestDir = v })
		id := fs.Int("id", 0, "catalog id to fetch without prompting")
		file := fs.String("file", "", "catalog name to fetch without prompting")
		quiet := fs.Bool("quiet", false, "no progress bar")
		overrides = append(overrides, func(c *config.Config) {
			if *quiet {
				c.Requester.Progress = false
			}
		})
		sel := func() requester.Selector {
			switch {
			case *id > 0:
				return requester.Fixed(*id)
			case *file != "":
				return requester.Named(*file)
			}
			return requester.NewConsoleSelector(os.Stdin, os.Stdout)
		}
		if name == "fetch" {
			str("rendezvous", cfg.Requester.Rendezvous, "provider rendezvous address", func(c *config.Config, v string) { c.Requester.Rendezvous = v })
			provName := fs.String("provider", "", "resolve the rendezvous address by announced provider name")
			cmd = command{fs: fs, run: func(ctx context.Context, e env) error { return fetch(ctx, e, sel(), *provName) }}
		} else {
			str("addr", cfg.Requester.StreamAddr, "provider address", func(c *config.Config, v string) { c.Requester.StreamAddr = v })
			cmd = command{fs: fs, run: func(ctx context.Context, e env) error { return fetchStream(ctx, e, sel()) }}
		}
	case "peers":
		cmd = command{fs: fs, run: peers}
	default:
		usage()
		return fmt.Errorf("unknown command %q", name)
	}

	if err := cmd.fs.Parse(args); err != nil {
		return err
	}
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	for _, o := range overrides {
		o(&loaded)
	}
	if logLevel != "" {
		loaded.Log.Level = logLevel
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	opts, err := loaded.Transfer.Options()
	if err != nil {
		return err
	}
	log, err := logging.New(loaded.Log.Level, loaded.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()
	stats, closer := logging.NewStatsScope(log, "udpxfer", statsInterval)
	defer closer.Close()

	return cmd.run(ctx, env{cfg: loaded, opts: opts, log: log, stats: stats})
}

func isSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func openStore(e env) (catalog.Store, io.Closer, error) {
	dir := catalog.NewDir(e.cfg.Provider.Dir, e.log)
	if _, err := dir.List(); err != nil {
		return nil, nil, fmt.Errorf("catalog %s: %w", e.cfg.Provider.Dir, err)
	}
	if !e.cfg.Provider.Watch {
		return dir, nopCloser{}, nil
	}
	w, err := catalog.Watch(dir, e.log)
	if err != nil {
		return nil, nil, err
	}
	return w, w, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func serve(ctx context.Context, e env) error {
	store, closer, err := openStore(e)
	if err != nil {
		return err
	}
	defer closer.Close()

	srv := provider.NewServer(provider.Config{
		Addr:     e.cfg.Provider.Addr,
		Workers:  e.cfg.Provider.Workers,
		MaxQueue: e.cfg.Provider.MaxQueue,
		TOS:      e.cfg.Provider.TOS,
		Options:  e.opts,
	}, store, nil, e.stats.SubScope("provider"), e.log)
	if err := srv.Listen(); err != nil {
		return err
	}
	fmt.Printf("udpxfer  |  %s  |  serving %s\n", srv.Addr(), e.cfg.Provider.Dir)
	fmt.Println("Waiting for requesters... (Ctrl-C to stop)")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	if e.cfg.Discovery.Enable {
		d := newDiscovery(e, e.cfg.Provider.Name, srv.Addr().Port)
		if err := d.Start(); err != nil {
			e.log.Warn("discovery unavailable", zap.Error(err))
		} else {
			g.Go(func() error { return d.Run(gctx) })
		}
	}
	return g.Wait()
}

func serveStream(ctx context.Context, e env) error {
	store, closer, err := openStore(e)
	if err != nil {
		return err
	}
	defer closer.Close()

	srv := stream.NewServer(stream.ServerConfig{
		Addr:     e.cfg.Provider.StreamAddr,
		Workers:  e.cfg.Provider.Workers,
		MaxQueue: e.cfg.Provider.MaxQueue,
		Options:  e.opts,
	}, store, nil, e.stats.SubScope("stream"), e.log)
	if err := srv.Listen(); err != nil {
		return err
	}
	fmt.Printf("udpxfer stream  |  %s  |  serving %s\n", srv.Addr(), e.cfg.Provider.Dir)
	return srv.Serve(ctx)
}

func fetch(ctx context.Context, e env, sel requester.Selector, providerName string) error {
	rendezvous := e.cfg.Requester.Rendezvous
	if providerName != "" {
		addr, err := resolve(ctx, e, providerName)
		if err != nil {
			return err
		}
		rendezvous = addr
	}
	var bar io.Writer
	if e.cfg.Requester.Progress {
		bar = os.Stderr
	}
	o := requester.New(requester.Config{
		Options:  e.opts,
		DestDir:  e.cfg.Requester.DestDir,
		Progress: bar,
	}, transport.UDPDialer{Rendezvous: rendezvous, Options: transport.Options{Log: e.log}}, sel, nil, e.stats.SubScope("requester"), e.log)
	res, err := o.Fetch(ctx)
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func fetchStream(ctx context.Context, e env, sel requester.Selector) error {
	var bar io.Writer
	if e.cfg.Requester.Progress {
		bar = os.Stderr
	}
	o := stream.NewOrchestrator(stream.Config{
		Addr:     e.cfg.Requester.StreamAddr,
		Options:  e.opts,
		DestDir:  e.cfg.Requester.DestDir,
		Progress: bar,
	}, sel, nil, e.stats.SubScope("stream"), e.log)
	res, err := o.Fetch(ctx)
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func printResult(res xfer.Result) {
	speed := 0.0
	if s := res.Duration.Seconds(); s > 0 {
		speed = float64(len(res.Content)) / s
	}
	fmt.Printf("\nDone  %s  %s in %s  (%s/s avg, %d attempt(s))\n",
		res.File.Name,
		strings.TrimSpace(progress.FormatSize(float64(len(res.Content)))),
		progress.FormatDuration(res.Duration),
		strings.TrimSpace(progress.FormatSize(speed)),
		res.Attempts)
	if res.Path != "" {
		fmt.Printf("  OK saved -> %s\n", res.Path)
	}
}

func newDiscovery(e env, name string, servicePort int) *discovery.Discovery {
	if name == "" {
		name, _ = os.Hostname()
	}
	return discovery.New(discovery.Config{
		Group:    e.cfg.Discovery.Group,
		Port:     e.cfg.Discovery.Port,
		Interval: e.cfg.Discovery.Interval,
	}, name, servicePort, nil, e.log)
}

// withDiscovery runs a listening Discovery for the duration of fn.
func withDiscovery(ctx context.Context, e env, fn func(*discovery.Discovery) error) error {
	d := newDiscovery(e, "", 0)
	if err := d.Start(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	err := fn(d)
	cancel()
	if rerr := <-done; err == nil {
		err = rerr
	}
	return err
}

func resolve(ctx context.Context, e env, name string) (string, error) {
	var addr string
	err := withDiscovery(ctx, e, func(d *discovery.Discovery) error {
		p, err := d.Resolve(ctx, name, e.cfg.Discovery.Wait)
		if err != nil {
			return err
		}
		fmt.Printf("Found %s at %s\n", p.Name, p.Addr())
		addr = p.Addr()
		return nil
	})
	return addr, err
}

func peers(ctx context.Context, e env) error {
	return withDiscovery(ctx, e, func(d *discovery.Discovery) error {
		d.Query()
		fmt.Printf("Scanning for %s ...\n", e.cfg.Discovery.Wait)
		select {
		case <-time.After(e.cfg.Discovery.Wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		found := d.Peers()
		if len(found) == 0 {
			fmt.Println("No providers found.")
			return nil
		}
		fmt.Printf("\n  %-20s  %-16s  PORT\n", "NAME", "IP")
		fmt.Println("  " + strings.Repeat("-", 44))
		for _, p := range found {
			fmt.Printf("  %-20s  %-16s  %d\n", p.Name, p.Host, p.Port)
		}
		fmt.Println()
		return nil
	})
}
