package main

import (
	"context"
	"encoding/base64"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"docgate/cfg"
	"docgate/metrics"
	"docgate/pkg/questions"
	"docgate/pkg/secrets"
	"docgate/svc/api"
	"docgate/svc/auth"
	"docgate/svc/cache"
	"docgate/svc/db"
	"docgate/svc/lim"
	"docgate/svc/svc"
	"docgate/svc/util"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		dbPath := os.Getenv("DATABASE_PATH")
		if dbPath == "" {
			dbPath = "docgate.db"
		}
		sqlDB, err := db.NewSQLite(dbPath)
		if err != nil {
			os.Exit(1)
		}
		defer sqlDB.Close()
		pingCtx, pingCancel := context.WithTimeout(ctx, 1*time.Second)
		defer pingCancel()
		if err := sqlDB.DB().PingContext(pingCtx); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	_ = godotenv.Load()

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Msg("starting docgate API")
	metrics.Init()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver, err := secrets.NewResolver(ctx)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize secrets resolver")
		os.Exit(1)
	}

	var pepper []byte
	if c.PepperFromStore {
		pepperB64, err := resolver.GetSecret(ctx, "ARGON2_PEPPER")
		if err != nil {
			util.Fatal().Err(err).Msg("CRITICAL: failed to load pepper from secrets store")
			os.Exit(1)
		}
		pepper, err = base64.StdEncoding.DecodeString(pepperB64)
		if err != nil {
			util.Fatal().Err(err).Msg("CRITICAL: invalid pepper format")
			os.Exit(1)
		}
		c.Pepper = cfg.NewSecret(string(pepper))
	} else {
		pepper = []byte(c.Pepper.Value())
	}
	if err := cfg.Validate(c); err != nil {
		util.Wipe(pepper)
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	if len(pepper) < 32 {
		util.Wipe(pepper)
		util.Fatal().Int("length", len(pepper)).Msg("CRITICAL: pepper too short, must be >= 32 bytes")
		os.Exit(1)
	}

	bank, err := questions.NewBank()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load question catalog")
		os.Exit(1)
	}
	util.Info().Int("questions", len(bank.List())).Int("version", bank.Version()).Msg("question catalog loaded")

	sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		util.Wipe(pepper)
		util.Fatal().Err(err).Msg("failed to initialize database")
		os.Exit(1)
	}
	defer sqlDB.Close()
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("CRITICAL: Redis required in production")
				os.Exit(1)
			}
			util.Warn().Err(err).Msg("redis unavailable (dev mode)")
		} else {
			util.Info().Msg("redis connected")
		}
	}
	if rdb != nil {
		defer rdb.Close()
	}

	lruCache, err := cache.NewLRU(c.GateCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create gate cache")
		os.Exit(1)
	}
	util.Info().Int("size", c.GateCacheSize).Msg("gate cache initialized")

	hasher, err := auth.NewHasher(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism, pepper)
	if err != nil {
		util.Wipe(pepper)
		util.Fatal().Err(err).Msg("failed to initialize hasher")
		os.Exit(1)
	}
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		util.Fatal().Err(err).Msg("failed to start hasher")
		os.Exit(1)
	}
	defer hasher.Stop()
	util.Info().Int("workers", c.HasherWorkerCount).Msg("hasher initialized")

	if err := util.InitCallerHasher(pepper, c.CallerHashRotationInterval); err != nil {
		util.Wipe(pepper)
		util.Fatal().Err(err).Msg("failed to initialize caller hasher")
		os.Exit(1)
	}
	defer util.StopCallerHasher()
	util.Info().Dur("rotation_interval", c.CallerHashRotationInterval).Msg("caller hasher initialized")

	throttle := lim.NewThrottle(rdb, c.AttemptWindow, c.MaxGateFails)
	defer throttle.Stop()
	util.Info().
		Dur("window", c.AttemptWindow).
		Int("max_fails", c.MaxGateFails).
		Msg("attempt throttle initialized")

	gateSvc := svc.NewGate(sqlDB, lruCache, hasher, bank, throttle, c)
	util.Info().Msg("gate service initialized")

	contentDir := c.ContentDir
	if contentDir == "" {
		contentDir = "content"
	}
	if err := os.MkdirAll(contentDir, 0o750); err != nil {
		util.Fatal().Err(err).Str("dir", contentDir).Msg("failed to prepare content directory")
		os.Exit(1)
	}
	source, err := svc.NewDir(contentDir)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to open content directory")
		os.Exit(1)
	}
	download := svc.NewDownload(gateSvc, source)
	util.Info().Str("dir", contentDir).Msg("download gate initialized")

	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, rdb, c.TrustedProxies)
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, gateSvc, download, bank, limiter, sqlDB, rdb)

	quitWAL := make(chan struct{})
	go db.StartWALMaintenance(sqlDB.DB(), quitWAL)
	util.Info().Msg("WAL maintenance worker started")

	go func() {
		util.Info().Msg("starting pprof server on :6060")
		if err := http.ListenAndServe(":6060", nil); err != nil {
			util.Warn().Err(err).Msg("pprof server failed")
		}
	}()

	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	close(quitWAL)
	cancel()
	gateSvc.Shutdown()
	util.Info().Msg("shutdown complete")
}
