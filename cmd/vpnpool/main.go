package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"vpnpool/internal/agent"
	"vpnpool/internal/api"
	"vpnpool/internal/broker"
	"vpnpool/internal/config"
	"vpnpool/internal/controller"
	"vpnpool/internal/logger"
	"vpnpool/internal/metrics"
	"vpnpool/internal/store"
	"vpnpool/internal/wireguard"
)

const usage = `vpnpool - VPN credential lease broker

Usage:
  vpnpool broker serve --config <path> [--listen :8080] [--database <path>] [--no-sweep]
  vpnpool broker sweep --config <path> [--ttl 10m]
  vpnpool agent run --config <path> [--broker <url>]
  vpnpool agent provision --config <path> [--broker <url>]
  vpnpool status [--config <path>] [--broker <url>] [--ip <addr>]
  vpnpool release --public-key <key> [--config <path>] [--broker <url>]
  vpnpool cleanup [--minutes 10] [--config <path>] [--broker <url>]
`

const defaultBrokerURL = "http://127.0.0.1:8080"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "broker":
		handleBroker(os.Args[2:])
	case "agent":
		handleAgent(os.Args[2:])
	case "status":
		handleStatus(os.Args[2:])
	case "release":
		handleRelease(os.Args[2:])
	case "cleanup":
		handleCleanup(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleBroker(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "broker subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "serve":
		brokerServe(args[1:])
	case "sweep":
		brokerSweep(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown broker subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func brokerServe(args []string) {
	fs := flag.NewFlagSet("broker serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	listen := fs.String("listen", "", "listen address")
	database := fs.String("database", "", "SQLite database path")
	noSweep := fs.Bool("no-sweep", false, "disable the background lease sweeper")
	_ = fs.Parse(args)

	cfg := loadBrokerConfig(*configPath, *listen, *database)
	ctx, cancel := signalContext()
	defer cancel()

	db, b, reg, m := openBroker(ctx, cfg)
	defer db.Close()

	interval := cfg.Broker.SweepInterval
	if *noSweep {
		interval = 0
	}
	srv := controller.NewServer(*cfg.Broker, b, m, reg)
	sweeper := broker.NewSweeper(b, interval, cfg.Broker.LeaseTTL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func brokerSweep(args []string) {
	fs := flag.NewFlagSet("broker sweep", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	database := fs.String("database", "", "SQLite database path")
	ttl := fs.Duration("ttl", 0, "reclaim leases held at least this long (default lease_ttl)")
	_ = fs.Parse(args)

	cfg := loadBrokerConfig(*configPath, "", *database)
	ctx, cancel := signalContext()
	defer cancel()

	db, b, _, _ := openBroker(ctx, cfg)
	defer db.Close()

	d := cfg.Broker.LeaseTTL
	if *ttl > 0 {
		d = *ttl
	}
	report, err := b.Sweep(ctx, d)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "released %d credentials\n", report.Released)
	for _, l := range report.Leases {
		fmt.Fprintf(os.Stdout, "%-15s  %-16s  %-20s  %ds\n", l.InternalAddress, l.ServerIP, l.Holder, l.DurationSeconds)
	}
}

func openBroker(ctx context.Context, cfg config.Config) (*store.DB, *broker.Broker, *prometheus.Registry, *metrics.Metrics) {
	bc := cfg.Broker
	db, err := store.Open(ctx, store.Options{Path: bc.Database, BusyTimeout: bc.BusyTimeout})
	if err != nil {
		fatal(err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	b := broker.New(db, broker.Options{
		StalenessWindow: bc.StalenessWindow,
		Profile: wireguard.ClientProfile{
			PrefixLen:    bc.Client.PrefixLen,
			DNS:          bc.Client.DNS,
			AllowedIPs:   bc.Client.AllowedIPs,
			KeepaliveSec: bc.Client.KeepaliveSec,
			MTU:          bc.Client.MTU,
		},
		Metrics: m,
	})
	reg.MustRegister(metrics.NewPoolCollector(b, 5*time.Second))
	return db, b, reg, m
}

func handleAgent(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "agent subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "run":
		agentRun(args[1:])
	case "provision":
		agentProvision(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown agent subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func agentRun(args []string) {
	fs := flag.NewFlagSet("agent run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	brokerURL := fs.String("broker", "", "broker base URL")
	_ = fs.Parse(args)

	cfg := loadAgentConfig(*configPath, *brokerURL)
	ctx, cancel := signalContext()
	defer cancel()

	if err := agent.New(*cfg.Agent, nil).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func agentProvision(args []string) {
	fs := flag.NewFlagSet("agent provision", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	brokerURL := fs.String("broker", "", "broker base URL")
	_ = fs.Parse(args)

	cfg := loadAgentConfig(*configPath, *brokerURL)
	ctx, cancel := signalContext()
	defer cancel()

	report, err := agent.New(*cfg.Agent, nil).Provision(ctx)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "registered %d of %d credentials (server_id=%d)\n",
		report.Result.Registered, report.Result.Total, report.Result.ServerID)
	for _, addr := range report.Skipped {
		fmt.Fprintf(os.Stdout, "skipped %s\n", addr)
	}
	for _, e := range report.Result.Errors {
		fmt.Fprintf(os.Stdout, "rejected #%d %s: %s\n", e.Index, e.InternalIP, e.Error)
	}
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	brokerURL := fs.String("broker", "", "broker base URL")
	ip := fs.String("ip", "", "restrict to servers at this address")
	_ = fs.Parse(args)

	client := clientFor(*configPath, *brokerURL)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	st, err := client.Status(ctx, *ip)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "credentials: total=%d in_use=%d available=%d\n",
		st.Statistics.TotalKeys, st.Statistics.KeysInUse, st.Statistics.KeysAvailable)
	fmt.Fprintf(os.Stdout, "leases: count=%d avg=%.0fs p95=%ds max=%ds\n\n",
		st.Leases.Count, st.Leases.AvgSeconds, st.Leases.P95Seconds, st.Leases.MaxSeconds)

	fmt.Fprintf(os.Stdout, "%-16s  %-6s  %-8s  %-6s  %-6s  %-9s  %-20s\n",
		"SERVER", "PORT", "ELIGIBLE", "TOTAL", "IN_USE", "AVAILABLE", "LAST_HEARTBEAT")
	for _, s := range st.Servers {
		hb := ""
		if s.LastHeartbeatAt != nil {
			hb = s.LastHeartbeatAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(os.Stdout, "%-16s  %-6d  %-8t  %-6d  %-6d  %-9d  %-20s\n",
			s.PublicIP, s.Port, s.Eligible, s.TotalKeys, s.KeysInUse, s.KeysAvailable, hb)
	}

	if len(st.ActiveConnections) == 0 {
		return
	}
	fmt.Fprintf(os.Stdout, "\n%-15s  %-16s  %-24s  %s\n", "INTERNAL_IP", "SERVER", "HOLDER", "HELD")
	for _, c := range st.ActiveConnections {
		fmt.Fprintf(os.Stdout, "%-15s  %-16s  %-24s  %s\n",
			c.InternalIP, c.ServerIP, c.AssignedTo, time.Duration(c.DurationSeconds)*time.Second)
	}
}

func handleRelease(args []string) {
	fs := flag.NewFlagSet("release", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	brokerURL := fs.String("broker", "", "broker base URL")
	publicKey := fs.String("public-key", "", "public key of the leased credential")
	_ = fs.Parse(args)

	if *publicKey == "" {
		fatal(errors.New("--public-key is required"))
	}
	client := clientFor(*configPath, *brokerURL)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	resp, err := client.Release(ctx, *publicKey)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "released %s (held by %s for %ds)\n", resp.InternalIP, resp.AssignedTo, resp.DurationSeconds)
	if resp.LogError != "" {
		fmt.Fprintf(os.Stderr, "warning: %s\n", resp.LogError)
	}
}

func handleCleanup(args []string) {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	brokerURL := fs.String("broker", "", "broker base URL")
	minutes := fs.Int("minutes", -1, "reclaim leases held at least this many minutes (default: broker lease_ttl)")
	_ = fs.Parse(args)

	var m *int
	if *minutes >= 0 {
		m = minutes
	}
	client := clientFor(*configPath, *brokerURL)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := client.Cleanup(ctx, m)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "cleaned %d leases\n", resp.Cleaned)
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

func loadBrokerConfig(path, listen, database string) config.Config {
	cfg, err := loadConfig(path)
	if err != nil {
		fatal(err)
	}
	if cfg.Broker == nil {
		cfg.Broker = &config.BrokerConfig{}
	}
	if listen != "" {
		cfg.Broker.Listen = listen
	}
	if database != "" {
		cfg.Broker.Database = database
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	configureLogging(cfg.Log)
	return cfg
}

func loadAgentConfig(path, brokerURL string) config.Config {
	cfg, err := loadConfig(path)
	if err != nil {
		fatal(err)
	}
	if cfg.Agent == nil {
		cfg.Agent = &config.AgentConfig{}
	}
	if brokerURL != "" {
		cfg.Agent.Broker = brokerURL
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	configureLogging(cfg.Log)
	return cfg
}

// clientFor picks the broker URL from the flag, then the agent config.
func clientFor(path, brokerURL string) *api.Client {
	if brokerURL == "" && path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			fatal(err)
		}
		if cfg.Agent != nil {
			brokerURL = cfg.Agent.Broker
		}
	}
	if brokerURL == "" {
		brokerURL = defaultBrokerURL
	}
	return api.NewClient(brokerURL)
}

func configureLogging(cfg config.LogConfig) {
	components := make(map[string]logger.LogLevel, len(cfg.Components))
	for name, level := range cfg.Components {
		components[name] = logger.LogLevel(level)
	}
	logger.Configure(cfg.Format, logger.LogLevel(cfg.Level), components)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
