package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crybin/cfg"
	"crybin/pkg/secrets"
	"crybin/svc/api"
	"crybin/svc/auth"
	"crybin/svc/db"
	"crybin/svc/lim"
	"crybin/svc/svc"
	"crybin/svc/util"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthcheck())
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	util.InitLog(c.LogLevel, c.Environment == "development")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider, err := secrets.New(ctx, c.SecretsProvider)
	if err != nil {
		util.Fatal().Err(err).Str("provider", c.SecretsProvider).Msg("failed to initialize secrets provider")
		os.Exit(1)
	}
	if err := secrets.Apply(ctx, provider, c); err != nil {
		util.Fatal().Err(err).Msg("failed to resolve secrets")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.Info().Str("backend", c.StorageBackend).Msg("starting crybin")

	store, sqlStore, err := openStore(ctx, c)
	if err != nil {
		util.Fatal().Err(err).Str("backend", c.StorageBackend).Msg("failed to initialize storage")
		os.Exit(1)
	}
	defer store.Close()
	util.Info().Str("backend", c.StorageBackend).Msg("storage initialized")

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("CRITICAL: Redis configured but unreachable in production")
				os.Exit(1)
			}
			util.Warn().Err(err).Msg("redis unavailable, purge runs without a lock")
			rdb = nil
		} else {
			util.Info().Msg("redis connected")
			defer rdb.Close()
		}
	}

	salts := auth.NewSaltStore(store)
	pastes := svc.NewPaste(store, salts, c)
	traffic := lim.NewTrafficLimiter(store, salts, c.TrafficLimit, c.TrafficExempted)
	anomaly := lim.NewAnomalyDetector(traffic.TriggerAdaptiveMode)
	anomaly.Start(time.Minute)
	defer anomaly.Stop()
	purgeLimiter := lim.NewPurgeLimiter(store, c.PurgeLimit)
	if rdb != nil {
		purgeLimiter.WithLocker(rdb)
	}
	purger := svc.NewPurger(store, pastes, purgeLimiter, c.PurgeBatchSize, c.PurgeDeleteRate)
	util.Info().
		Dur("traffic_limit", c.TrafficLimit).
		Dur("purge_limit", c.PurgeLimit).
		Int("purge_batch", c.PurgeBatchSize).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("limiters initialized")

	server := api.NewServer(c, pastes, traffic, anomaly, store, rdb)

	walDone := make(chan struct{})
	if sqlStore != nil {
		go func() {
			defer close(walDone)
			db.StartWALMaintenance(ctx, sqlStore)
		}()
	} else {
		close(walDone)
	}

	if err := purger.Start(ctx, c.PurgeInterval); err != nil {
		util.Error().Err(err).Msg("failed to start purger")
	}

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
	cancel()
	select {
	case <-walDone:
	case <-time.After(6 * time.Second):
		util.Warn().Msg("WAL maintenance did not stop gracefully")
	}
	util.Info().Msg("shutdown complete")
}

// openStore builds the configured backend. The SQL store is returned a second
// time so sqlite WAL maintenance can run against it.
func openStore(ctx context.Context, c *cfg.Cfg) (db.Store, *db.SQL, error) {
	switch c.StorageBackend {
	case cfg.BackendDatabase:
		s, err := db.NewSQL(db.SQLConfig{
			Driver:       c.DB.Driver,
			DSN:          c.DB.DSN,
			Password:     c.DB.Password.Value(),
			TablePrefix:  c.DB.TablePrefix,
			MaxOpenConns: c.DB.MaxOpenConns,
			MaxIdleConns: c.DB.MaxIdleConns,
			QueryTimeout: c.DB.QueryTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		util.Info().Str("driver", c.DB.Driver).Str("dsn", util.RedactSecret(c.DB.DSN)).Msg("database store opened")
		return s, s, nil
	case cfg.BackendBolt:
		s, err := db.NewBolt(c.BoltPath)
		return s, nil, err
	case cfg.BackendS3:
		s, err := db.NewS3(ctx, db.S3Config{
			Region:    c.S3.Region,
			Endpoint:  c.S3.Endpoint,
			Bucket:    c.S3.Bucket,
			Prefix:    c.S3.Prefix,
			AccessKey: c.S3.AccessKey,
			SecretKey: c.S3.SecretKey.Value(),
			PathStyle: c.S3.PathStyle,
		})
		return s, nil, err
	case cfg.BackendGCS:
		s, err := db.NewGCS(ctx, db.GCSConfig{
			Bucket:          c.GCS.Bucket,
			Prefix:          c.GCS.Prefix,
			UniformACL:      c.GCS.UniformACL,
			CredentialsFile: c.GCS.CredentialsFile,
			Endpoint:        c.GCS.Endpoint,
		})
		return s, nil, err
	default:
		s, err := db.NewFilesystem(c.DataDir)
		return s, nil, err
	}
}

func healthcheck() int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + port + "/health")
	if err != nil {
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
