// pixelated-dispatcher runs one of three roles selected by the first
// argument: "manager" (the internal management API), "proxy" (the public
// front end) or, with no selector, the command line client.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"html/template"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/Meistache/pixelated-dispatcher/internal/client"
	"github.com/Meistache/pixelated-dispatcher/internal/config"
	"github.com/Meistache/pixelated-dispatcher/internal/leapsrp"
	"github.com/Meistache/pixelated-dispatcher/internal/logging"
	"github.com/Meistache/pixelated-dispatcher/internal/manager"
	"github.com/Meistache/pixelated-dispatcher/internal/ports"
	"github.com/Meistache/pixelated-dispatcher/internal/provider"
	"github.com/Meistache/pixelated-dispatcher/internal/provider/docker"
	"github.com/Meistache/pixelated-dispatcher/internal/proxy"
	"github.com/Meistache/pixelated-dispatcher/internal/store"
	"github.com/Meistache/pixelated-dispatcher/internal/supervisor"
	"github.com/Meistache/pixelated-dispatcher/internal/users"
)

var version = "dev"

func main() {
	args := os.Args[1:]
	mode := "client"
	if len(args) > 0 {
		switch args[0] {
		case "manager", "proxy", "client":
			mode, args = args[0], args[1:]
		case "version", "--version":
			fmt.Println("pixelated-dispatcher " + version)
			return
		}
	}

	var err error
	switch mode {
	case "manager":
		err = runManager(args)
	case "proxy":
		err = runProxy(args)
	default:
		err = runClient(args)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runManager(args []string) error {
	cfg, err := config.LoadManager(args)
	if err != nil {
		return err
	}
	log := logging.New(cfg.LogJSON, cfg.Debug)
	if err := writePidFile(cfg.PidFile); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	registry, err := users.NewRegistry(cfg.RootPath)
	if err != nil {
		return err
	}
	pool := ports.NewPool(cfg.MinPort, cfg.MaxPort, log.Logger)

	leap := provider.LeapProvider{
		ServerName: cfg.LeapProvider,
		CABundle:   cfg.LeapProviderCA,
	}
	var backend provider.Provider
	switch cfg.Backend {
	case "fork":
		backend = provider.NewForkBackend(leap, cfg.AgentBin, log.Logger)
	case "docker":
		backend, err = docker.New(cfg.DockerHost, cfg.DockerImage, leap, log.Logger)
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(cfg.StatePath(), 0700); err != nil {
		return err
	}
	db, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer db.Close()

	auth := leapsrp.New(cfg.APIURL(), leapsrp.TLSConfig{
		CABundle:    cfg.LeapProviderCA,
		Fingerprint: cfg.LeapProviderFingerprint,
	})
	agents := supervisor.New(registry, pool, backend, db, log.Logger)

	// Image pulls and builds can take minutes; the API answers 503 until
	// the backend is ready. Agents that survived a manager restart are
	// adopted once it is.
	go func() {
		if err := backend.Initialize(ctx); err != nil {
			log.Error("backend initialization failed", "backend", cfg.Backend, "error", err)
			return
		}
		if err := agents.Restore(ctx); err != nil {
			log.Warn("restoring running agents failed", "error", err)
		}
	}()

	srv := manager.NewServer(manager.Dependencies{
		Agents: agents,
		Auth:   auth,
		Audit:  db,
		Log:    log.Logger,
		Debug:  cfg.Debug,
	})
	log.Info("manager starting", "version", version, "backend", cfg.Backend,
		"provider", cfg.LeapProvider)
	return srv.Run(ctx, cfg.Bind, cfg.SSLCert, cfg.SSLKey, cfg.StatePath())
}

func runProxy(args []string) error {
	cfg, err := config.LoadProxy(args)
	if err != nil {
		return err
	}
	log := logging.New(cfg.LogJSON, cfg.Debug)
	if err := writePidFile(cfg.PidFile); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	mc, err := client.New(cfg.Manager, true, leapsrp.TLSConfig{
		Fingerprint:       cfg.Fingerprint,
		SkipHostnameCheck: cfg.DisableVerifyHostname,
	})
	if err != nil {
		return err
	}
	if err := mc.ValidateConnection(ctx, 30*time.Second); err != nil {
		return err
	}

	var banner template.HTML
	if cfg.Banner != "" {
		data, err := os.ReadFile(cfg.Banner)
		if err != nil {
			return fmt.Errorf("read banner file: %w", err)
		}
		banner = template.HTML(data)
	}

	srv, err := proxy.NewServer(proxy.Dependencies{
		Manager:  mc,
		Sessions: proxy.NewSessions(cfg.CookieSeed),
		Banner:   banner,
		Log:      log.Logger,
	})
	if err != nil {
		return err
	}
	log.Info("proxy starting", "version", version, "manager", cfg.Manager)
	return srv.Run(ctx, cfg.Bind, cfg.SSLCert, cfg.SSLKey, proxyDataDir())
}

// proxyDataDir is where the proxy keeps its generated self-signed
// certificate when none is configured.
func proxyDataDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "pixelated-dispatcher")
}

func runClient(args []string) error {
	cfg, words, err := config.LoadClient(args)
	if err != nil {
		return err
	}
	if len(words) == 0 {
		return errors.New("usage: pixelated-dispatcher [flags] <list|running|add|start|stop|info|memory_usage|reset_data|remove> [name]")
	}

	c, err := client.New(cfg.Server, !cfg.NoSSL, leapsrp.TLSConfig{Insecure: cfg.SkipCheck})
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cmd, rest := words[0], words[1:]
	name := ""
	if len(rest) > 0 {
		name = rest[0]
	}

	switch cmd {
	case "list":
		agents, err := c.List(ctx)
		if err != nil {
			return err
		}
		for _, a := range agents {
			fmt.Printf("%s\t%s\n", a.Name, a.State)
		}
		return nil
	case "running":
		names, err := c.Running(ctx)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	case "add":
		if name == "" {
			return errors.New("usage: add <name>")
		}
		password, err := promptPassword("Password for " + name + ": ")
		if err != nil {
			return err
		}
		return c.Add(ctx, name, password)
	case "start":
		if name == "" {
			return errors.New("usage: start <name>")
		}
		rt, err := c.Start(ctx, name)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\t%d\n", name, rt.State, rt.Port)
		return nil
	case "stop":
		if name == "" {
			return errors.New("usage: stop <name>")
		}
		return c.Stop(ctx, name)
	case "info":
		if name == "" {
			return errors.New("usage: info <name>")
		}
		rt, err := c.GetRuntime(ctx, name)
		if err != nil {
			return err
		}
		fmt.Printf("state:\t%s\n", rt.State)
		if rt.Port != 0 {
			fmt.Printf("port:\t%d\n", rt.Port)
		}
		return nil
	case "memory_usage":
		usage, err := c.MemoryUsage(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("total:\t%d\naverage:\t%d\n", usage.TotalUsage, usage.AverageUsage)
		for _, a := range usage.Agents {
			fmt.Printf("%s\t%d\n", a.Name, a.MemoryUsage)
		}
		return nil
	case "reset_data":
		if name == "" {
			return errors.New("usage: reset_data <name>")
		}
		return c.ResetData(ctx, name)
	case "remove":
		if name == "" {
			return errors.New("usage: remove <name>")
		}
		return c.Remove(ctx, name)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// promptPassword reads a password without echo when stdin is a terminal.
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(int(syscall.Stdin)) {
		defer fmt.Fprintln(os.Stderr)
		raw, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return "", errors.New("no password given")
	}
	return scanner.Text(), nil
}

// writePidFile records the process id for init scripts. Empty path is a
// no-op.
func writePidFile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}
