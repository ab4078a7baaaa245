package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/orris-inc/orris-relay/internal/config"
	"github.com/orris-inc/orris-relay/internal/logger"
	"github.com/orris-inc/orris-relay/internal/server"
	"github.com/orris-inc/orris-relay/internal/store"
)

func main() {
	var (
		configPath = flag.StringP("config", "c", "", "server config file (yaml)")
		envFile    = flag.String("env-file", ".env", "dotenv file loaded before the environment is read")
		listen     = flag.StringP("listen", "l", "", "control listen address")
		transport  = flag.StringP("transport", "t", "", "control transport: tcp or ws")
		metrics    = flag.StringP("metrics", "m", "", "metrics listen address")
		storePath  = flag.StringP("store", "s", "", "users and tunnels file")
		logLevel   = flag.String("log-level", "", "log level: debug, info, warn, error")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n       %s hash-password <password>\n\n", os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.Arg(0) == "hash-password" {
		hashPassword(flag.Arg(1))
		return
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		logger.Error("load env file", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	if *listen != "" {
		cfg.Listen = *listen
	}
	if *transport != "" {
		cfg.Transport = *transport
	}
	if *metrics != "" {
		cfg.MetricsListen = *metrics
	}
	if *storePath != "" {
		cfg.Store.Type = config.StoreFile
		cfg.Store.Path = *storePath
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger.Init(os.Stdout, cfg.Log.Format)
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Error("invalid log level", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(level)

	tlsConf, err := cfg.TLSConfig()
	if err != nil {
		logger.Error("load tls certificate", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		logger.Error("open store", "type", cfg.Store.Type, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	logger.Info("starting relay server", "listen", cfg.Listen, "transport", cfg.Transport, "store", cfg.Store.Type)

	srv := server.New(server.Config{
		Listen:         cfg.Listen,
		Transport:      cfg.Transport,
		TLS:            tlsConf,
		MetricsListen:  cfg.MetricsListen,
		StatsInterval:  cfg.StatsInterval,
		DialTimeout:    cfg.DialTimeout,
		UDPIdleTimeout: cfg.UDPIdleTimeout,
		AuthRate:       cfg.AuthRate,
		AuthBurst:      cfg.AuthBurst,
		Session:        cfg.Session.Mux(),
		Logger:         logger.Default(),
	}, st)

	if err := srv.Run(ctx); err != nil {
		logger.Error("relay server failed", "error", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, func(), error) {
	switch cfg.Type {
	case config.StoreRedis:
		rs, err := store.OpenRedis(ctx, store.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}, logger.Default())
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { rs.Close() }, nil
	default:
		fs, err := store.OpenFile(cfg.Path, logger.Default())
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	}
}

func hashPassword(password string) {
	if password == "" {
		logger.Error("usage: relay-server hash-password <password>")
		os.Exit(1)
	}
	hash, err := store.HashPassword(password)
	if err != nil {
		logger.Error("hash password", "error", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}
