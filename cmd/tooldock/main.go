package main

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tooldock/tooldock/internal/catalog"
	"github.com/tooldock/tooldock/internal/config"
	"github.com/tooldock/tooldock/internal/events"
	"github.com/tooldock/tooldock/internal/external"
	"github.com/tooldock/tooldock/internal/orchestrator/api"
	"github.com/tooldock/tooldock/internal/orchestrator/engine"
	"github.com/tooldock/tooldock/internal/orchestrator/health"
	"github.com/tooldock/tooldock/internal/orchestrator/lifecycle"
	"github.com/tooldock/tooldock/internal/orchestrator/ports"
	"github.com/tooldock/tooldock/internal/orchestrator/runtime"
	"github.com/tooldock/tooldock/internal/orchestrator/scaler"
	"github.com/tooldock/tooldock/internal/store"
)

func main() {
	log.Info().Msg("Starting tooldock api server")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// configure log level from config
	switch strings.ToLower(cfg.Logging.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// durable store: postgres when configured, file-backed otherwise; a failed
	// postgres init degrades to the file store instead of aborting startup
	var st store.Store
	if cfg.Database.Enabled {
		if pg, derr := store.NewPgStore(cfg.Database.DSN()); derr == nil {
			st = pg
		} else {
			log.Error().Err(derr).Msg("postgres store init failed; falling back to file store")
		}
	}
	if st == nil {
		fs, derr := store.NewFileStore(cfg.Orchestrator.StateDir, cfg.Orchestrator.FallbackStateDir)
		if derr != nil {
			log.Fatal().Err(derr).Msg("failed to init file store")
		}
		st = fs
	}
	defer st.Close()

	cat, err := catalog.LoadFile(cfg.Catalog.File)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.Catalog.File).Msg("failed to load catalog")
	}

	allocator, err := ports.NewAllocator(cfg.Orchestrator.PortBase, cfg.Orchestrator.PortCeiling,
		cfg.Orchestrator.PortBlockSize, st)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init port allocator")
	}

	daemonTimeout := parseDuration(cfg.Orchestrator.DaemonTimeout, 60*time.Second)
	rt := runtime.NewDockerRuntime(daemonTimeout, cfg.Orchestrator.ProxyConfDir)

	// optional redis-backed capabilities
	var rdb *redis.Client
	if cfg.External.EdgeEnabled || cfg.External.EventsEnabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	var broadcaster events.Broadcaster = events.NoopBroadcaster{}
	if cfg.External.EventsEnabled {
		broadcaster = events.NewRedisBroadcaster(rdb)
	}
	var edge external.EdgeRouter = external.NoopEdge{}
	if cfg.External.EdgeEnabled {
		edge = external.NewRedisEdgeRouter(rdb)
	}
	var dns external.DNSProvider = external.NoopDNS{}
	if cfg.External.DNSAPIBase != "" {
		dns = external.NewHTTPDNSProvider(cfg.External.DNSAPIBase, cfg.External.DNSAPIToken, cfg.External.DNSZone)
	}

	eng, err := engine.New(engine.Config{
		HealthPollAttempts: cfg.Orchestrator.HealthPollAttempts,
		HealthPollInterval: parseDuration(cfg.Orchestrator.HealthPollInterval, 3*time.Second),
		ExportDir:          cfg.Orchestrator.ExportDir,
	}, cat, allocator, rt, st, external.AllowAllGovernance{}, dns, edge, broadcaster)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init deploy engine")
	}

	defaultPolicy := scaler.DefaultPolicy()
	defaultPolicy.Cooldown = parseDuration(cfg.Orchestrator.ScaleCooldown, 5*time.Minute)
	sc := scaler.NewScaler(parseDuration(cfg.Orchestrator.SampleInterval, time.Minute), broadcaster).
		WithDefaultPolicy(defaultPolicy)
	lm := lifecycle.NewManager(eng, sc, dns, edge, broadcaster, daemonTimeout)

	monitor := health.NewMonitor(health.Config{
		SweepInterval:    parseDuration(cfg.Orchestrator.SweepInterval, 30*time.Second),
		ProbeTimeout:     parseDuration(cfg.Orchestrator.ProbeTimeout, 5*time.Second),
		AlertThreshold:   cfg.Orchestrator.AlertThreshold,
		RestartThreshold: cfg.Orchestrator.RestartThreshold,
		AutoRestart:      cfg.Orchestrator.AutoRestart,
	}, lm, rt.ProbeHealth, func(target health.Target, failures int) {
		broadcaster.Publish(context.Background(), events.RoomHealth, events.Event{
			Type:       "health_alert",
			InstanceID: target.InstanceID,
			Payload:    map[string]any{"consecutive_failures": failures},
			Timestamp:  time.Now(),
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// startup reconciliation is observational: anomalies are logged, nothing
	// is cleaned up automatically
	if report, rerr := lm.Reconcile(ctx); rerr != nil {
		log.Error().Err(rerr).Msg("startup reconciliation failed")
	} else {
		log.Info().
			Int("orphaned_ports", len(report.Ports.OrphanedPorts)).
			Int("unknown_containers", len(report.UnknownContainers)).
			Int("stale_records", len(report.StaleRecords)).
			Msg("startup reconciliation finished")
	}

	go monitor.Run(ctx)
	go sc.Run(ctx, parseDuration(cfg.Orchestrator.ScaleInterval, time.Minute))

	if cfg.External.PrometheusURL != "" {
		src, serr := scaler.NewPromSource(cfg.External.PrometheusURL, sc, func(context.Context) []string {
			var ids []string
			for _, inst := range eng.ListAll() {
				ids = append(ids, inst.ID)
			}
			return ids
		}, parseDuration(cfg.Orchestrator.SampleInterval, time.Minute))
		if serr != nil {
			log.Error().Err(serr).Msg("prometheus metrics source init failed; scaler runs on pushed samples")
		} else {
			go src.Run(ctx)
		}
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	if _, err := api.NewApi(eng, lm, monitor, sc, router, cfg.Server.AuthToken); err != nil {
		log.Fatal().Err(err).Msg("bind orchestrator api failed.")
	}
	log.Info().Msgf("Starting server on %s", cfg.Server.BindAddr)
	if err := router.Run(cfg.Server.BindAddr); err != nil {
		log.Fatal().Err(err).Msg("start tooldock api server failed.")
	}
	log.Info().Msg("tooldock api server exit...")
}

func parseDuration(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	return d
}
