package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agentbgp/agentbgpd/internal/advertise"
	"github.com/agentbgp/agentbgpd/internal/config"
	"github.com/agentbgp/agentbgpd/internal/controlplane"
	"github.com/agentbgp/agentbgpd/internal/decision"
	"github.com/agentbgp/agentbgpd/internal/discovery"
	"github.com/agentbgp/agentbgpd/internal/eventbus"
	"github.com/agentbgp/agentbgpd/internal/metrics"
	"github.com/agentbgp/agentbgpd/internal/model"
	"github.com/agentbgp/agentbgpd/internal/policy"
	"github.com/agentbgp/agentbgpd/internal/reflector"
	"github.com/agentbgp/agentbgpd/internal/rib"
	"github.com/agentbgp/agentbgpd/internal/session"
	"github.com/agentbgp/agentbgpd/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "policies-import":
		runPoliciesImport()
	case "policies-export":
		runPoliciesExport()
	case "migrate":
		runMigrate()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: agentbgpd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve             Start the routing control plane")
	fmt.Println("  migrate           Run decision/audit store migrations")
	fmt.Println("  policies-import   Replace the running policy set from a JSON file")
	fmt.Println("  policies-export   Print the running policy set as JSON")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to
// the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

// app bundles every core component runServe wires together, so shutdown
// can walk the same set it started.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	bus       eventbus.Bus
	table     *rib.Table
	importPol *policy.Engine
	exportPol *policy.Engine
	decisionE *decision.Engine
	sessions  *session.Manager
	agents    *advertise.Manager
	disco     *discovery.Manager
	refl      *reflector.Manager
	pool      *pgxpool.Pool
	http      *controlplane.Server
}

func buildApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	// --- event bus: Kafka-backed if brokers are configured, in-process
	// buffered-channel bus otherwise. Both satisfy eventbus.Bus, so every
	// downstream component is unaware which transport carries
	// sessionEstablished/routeUpdate/peerRemoved/agentDiscovered/
	// agentLost/capabilityChanged.
	if len(cfg.Kafka.Brokers) > 0 {
		bus, err := eventbus.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.ClientID, logger.Named("eventbus"))
		if err != nil {
			return nil, fmt.Errorf("connecting event bus: %w", err)
		}
		a.bus = bus
	} else {
		a.bus = eventbus.New()
	}

	a.table = rib.New()
	a.decisionE = decision.NewEngine(a.table)

	a.importPol = policy.NewEngine(logger.Named("policy.import"), policy.WithEventBus(a.bus))
	a.exportPol = policy.NewEngine(logger.Named("policy.export"), policy.WithEventBus(a.bus))
	if err := loadPolicies(a.importPol, cfg.Policy.FilePath); err != nil {
		return nil, fmt.Errorf("loading import policies: %w", err)
	}
	if err := loadPolicies(a.exportPol, cfg.Policy.FilePath); err != nil {
		return nil, fmt.Errorf("loading export policies: %w", err)
	}

	sessCfg := session.Config{
		LocalASN:          model.ASN(cfg.BGP.LocalASN),
		RouterID:          cfg.BGP.RouterID,
		KeepaliveInterval: time.Duration(cfg.BGP.KeepaliveSeconds) * time.Second,
		HoldTime:          time.Duration(cfg.BGP.HoldTimeSeconds) * time.Second,
		ConnectRetryTime:  time.Duration(cfg.BGP.ConnectRetrySeconds) * time.Second,
	}
	sessions, err := session.NewManager(sessCfg, a.table, a.importPol, a.exportPol, a.decisionE, a.bus, logger.Named("session"))
	if err != nil {
		return nil, fmt.Errorf("constructing session manager: %w", err)
	}
	a.sessions = sessions

	if cfg.Reflector.Enabled {
		clients := make([]model.ASN, len(cfg.Reflector.Clients))
		for i, asn := range cfg.Reflector.Clients {
			clients[i] = model.ASN(asn)
		}
		a.refl = reflector.New(model.ASN(cfg.BGP.LocalASN), reflector.Config{
			ClusterID: cfg.Reflector.ClusterID,
			Clients:   clients,
		})
		a.sessions.SetReflector(a.refl)
	}

	onAdvertise := func(_ model.AgentID, route model.Route) {
		a.sessions.AdvertiseLocal(route, a.reflectorInfoFor)
	}
	onWithdraw := func(agentID model.AgentID) {
		a.sessions.WithdrawLocal(agentID)
	}
	a.agents = advertise.New(model.ASN(cfg.BGP.LocalASN), cfg.BGP.LocalURL, cfg.BGP.DefaultLocalPref,
		logger.Named("advertise"), onAdvertise, onWithdraw)

	a.disco = discovery.New(discovery.Config{LocalASN: model.ASN(cfg.BGP.LocalASN)}, a.bus, logger.Named("discovery"))

	// Wire the cyclic event design: discovery consumes the same
	// routeUpdate/peerRemoved events advertisement produces via session,
	// rather than holding a direct reference into the RIB.
	go a.runDiscoveryFeed()
	go a.runSessionEstablishedFeed()

	if cfg.Postgres.DSN != "" {
		pool, err := store.NewPool(context.Background(), cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
		if err != nil {
			return nil, fmt.Errorf("connecting to decision/audit store: %w", err)
		}
		writer := store.NewWriter(pool, logger.Named("store"), true, true)
		a.pool = pool
		a.wirePolicyAudit(writer)
		a.wireDecisionAudit(writer)
	}

	for _, p := range cfg.Peers {
		if _, err := a.sessions.AddPeer(model.ASN(p.ASN), p.Address, nil); err != nil {
			logger.Warn("seed peer already present", zap.Uint32("asn", p.ASN), zap.Error(err))
		}
	}

	srv := controlplane.NewServer(cfg.HTTP.Listen, controlplane.Deps{
		LocalASN:  model.ASN(cfg.BGP.LocalASN),
		Sessions:  a.sessions,
		Table:     a.table,
		ImportPol: a.importPol,
		ExportPol: a.exportPol,
		Agents:    a.agents,
		Discovery: a.disco,
		Reflect:   a.refl,
		StorePool: a.pool,
		Logger:    logger.Named("controlplane"),
	})
	a.http = srv

	return a, nil
}

// reflectorInfoFor adapts reflector.Manager's per-originator signature to
// the per-peer function session.AdvertiseLocal calls for every Established
// peer. The originator address stamped is this speaker's own router ID,
// since AdvertiseLocal is only ever called for locally originated routes.
func (a *app) reflectorInfoFor(_ model.ASN) policy.ReflectorInfo {
	if a.refl == nil {
		return policy.ReflectorInfo{}
	}
	return a.refl.ReflectorInfo(a.cfg.BGP.RouterID)
}

// runDiscoveryFeed subscribes to the routeUpdate events the session
// manager publishes on every Loc-RIB recomputation (including the ones
// triggered by a peer drop or removal, which recompute every agent id
// that peer contributed to) and drives the discovery manager's ingest
// side, keeping C6 a pure consumer of the event bus rather than a direct
// reader of the RIB (per the "weak/back references" design note).
func (a *app) runDiscoveryFeed() {
	routeUpdates := a.bus.Subscribe(eventbus.KindRouteUpdate)
	for ev := range routeUpdates {
		if route, ok := ev.Payload.(model.Route); ok {
			a.disco.Ingest(route)
		} else {
			a.disco.Withdraw(ev.AgentID)
		}
	}
}

// runSessionEstablishedFeed pushes every locally originated agent to a
// peer the moment its session reaches Established, instead of leaving it
// to learn the local table on the next refresher tick.
func (a *app) runSessionEstablishedFeed() {
	established := a.bus.Subscribe(eventbus.KindSessionEstablished)
	for ev := range established {
		a.sessions.AdvertiseAllTo(ev.Peer, a.agents.AdvertiseAllTo(), a.reflectorInfoFor)
	}
}

// wirePolicyAudit flushes discovery lifecycle events (agentDiscovered,
// agentLost, capabilityChanged) into the optional Postgres store on a fixed
// interval; policy decisions are flushed by wireDecisionAudit. RIB state stays
// in-memory and is never part of this batch.
func (a *app) wirePolicyAudit(w *store.Writer) {
	discovered := a.bus.Subscribe(eventbus.KindAgentDiscovered)
	lost := a.bus.Subscribe(eventbus.KindAgentLost)
	changed := a.bus.Subscribe(eventbus.KindCapabilityChanged)

	go func() {
		var batch []*store.AuditRow
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		flush := func() {
			if len(batch) == 0 {
				return
			}
			if _, err := w.FlushAudit(context.Background(), batch); err != nil {
				a.logger.Error("flushing discovery audit", zap.Error(err))
			}
			batch = batch[:0]
		}
		toRow := func(kind string, ev eventbus.Event) *store.AuditRow {
			rec, _ := ev.Payload.(discovery.NetworkAgentRecord)
			return &store.AuditRow{Kind: kind, AgentID: ev.AgentID, OriginASN: rec.OriginASN, At: ev.At}
		}
		for {
			select {
			case ev, ok := <-discovered:
				if !ok {
					return
				}
				batch = append(batch, toRow("agentDiscovered", ev))
			case ev, ok := <-lost:
				if !ok {
					return
				}
				batch = append(batch, toRow("agentLost", ev))
			case ev, ok := <-changed:
				if !ok {
					return
				}
				batch = append(batch, toRow("capabilityChanged", ev))
			case <-ticker.C:
				flush()
			}
		}
	}()
}

// wireDecisionAudit flushes policy.Engine decisions (import and export
// alike) into the optional Postgres store, mirroring wirePolicyAudit's
// subscribe-batch-flush shape.
func (a *app) wireDecisionAudit(w *store.Writer) {
	decisions := a.bus.Subscribe(eventbus.KindPolicyDecision)

	go func() {
		var batch []*store.DecisionRow
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		flush := func() {
			if len(batch) == 0 {
				return
			}
			if _, err := w.FlushDecisions(context.Background(), batch); err != nil {
				a.logger.Error("flushing decision history", zap.Error(err))
			}
			batch = batch[:0]
		}
		for {
			select {
			case ev, ok := <-decisions:
				if !ok {
					return
				}
				d, ok := ev.Payload.(policy.Decision)
				if !ok {
					continue
				}
				batch = append(batch, &store.DecisionRow{
					PolicyName: d.PolicyName,
					AgentID:    d.AgentID,
					Outcome:    string(d.Outcome),
					At:         d.At,
					Duration:   d.Duration,
				})
			case <-ticker.C:
				flush()
			}
		}
	}()
}

func loadPolicies(e *policy.Engine, path string) error {
	if path == "" {
		for _, p := range policy.DefaultPolicies() {
			if err := e.AddPolicy(p); err != nil {
				return err
			}
		}
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading policy file %s: %w", path, err)
	}
	return e.Import(data)
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting agentbgpd",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.Uint32("local_asn", cfg.BGP.LocalASN),
		zap.String("http_listen", cfg.HTTP.Listen),
	)

	a, err := buildApp(cfg, logger)
	if err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}

	if err := a.http.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}
	a.agents.StartRefresher(5 * time.Minute)
	a.disco.StartSweeper()

	logger.Info("agentbgpd ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		a.agents.Stop()
		a.disco.Stop()
		_ = a.sessions.Shutdown(shutdownCtx)
		if err := a.http.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		a.bus.Close()
		if a.pool != nil {
			a.pool.Close()
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info("agentbgpd stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	if cfg.Postgres.DSN == "" {
		logger.Fatal("migrate requires postgres.dsn to be configured")
	}

	ctx := context.Background()
	pool, err := store.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := store.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runPoliciesImport() {
	_, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	args := os.Args[2:]
	var path string
	for i, a := range args {
		if a == "--file" && i+1 < len(args) {
			path = args[i+1]
		}
	}
	if path == "" {
		logger.Fatal("policies-import requires --file <path>")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Fatal("reading policy file", zap.Error(err))
	}

	e := policy.NewEngine(logger)
	if err := e.Import(data); err != nil {
		logger.Fatal("importing policies", zap.Error(err))
	}
	out, err := e.Export()
	if err != nil {
		logger.Fatal("re-exporting for validation", zap.Error(err))
	}
	fmt.Println(string(out))
}

func runPoliciesExport() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	e := policy.NewEngine(logger)
	if err := loadPolicies(e, cfg.Policy.FilePath); err != nil {
		logger.Fatal("loading policies", zap.Error(err))
	}
	out, err := e.Export()
	if err != nil {
		logger.Fatal("exporting policies", zap.Error(err))
	}
	fmt.Println(string(out))
}
