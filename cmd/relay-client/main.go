package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/orris-inc/orris-relay/internal/agent"
	"github.com/orris-inc/orris-relay/internal/config"
	"github.com/orris-inc/orris-relay/internal/logger"
)

func main() {
	var (
		configPath = flag.StringP("config", "c", "", "client config file (yaml)")
		envFile    = flag.String("env-file", ".env", "dotenv file loaded before the environment is read")
		serverAddr = flag.StringP("server", "s", "", "relay server address")
		transport  = flag.StringP("transport", "t", "", "control transport: tcp or ws")
		username   = flag.StringP("username", "u", "", "login user")
		password   = flag.StringP("password", "p", "", "login password")
		useTLS     = flag.Bool("tls", false, "connect with TLS")
		logLevel   = flag.String("log-level", "", "log level: debug, info, warn, error")
	)
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		logger.Error("load env file", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	if *serverAddr != "" {
		cfg.Server = *serverAddr
	}
	if *transport != "" {
		cfg.Transport = *transport
	}
	if *username != "" {
		cfg.Username = *username
	}
	if *password != "" {
		cfg.Password = *password
	}
	if *useTLS {
		cfg.TLS = true
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config (use --username or RELAY_USERNAME env)", "error", err)
		os.Exit(1)
	}

	logger.Init(os.Stdout, cfg.Log.Format)
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Error("invalid log level", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(level)

	logger.Info("starting relay client", "server", cfg.Server, "transport", cfg.Transport, "user", cfg.Username)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ag := agent.New(agent.Config{
		Server:            cfg.Server,
		Transport:         cfg.Transport,
		TLS:               cfg.TLSConfig(),
		Username:          cfg.Username,
		Password:          cfg.Password,
		DialTimeout:       cfg.DialTimeout,
		UDPIdleTimeout:    cfg.UDPIdleTimeout,
		StatsInterval:     cfg.StatsInterval,
		ReconnectInterval: cfg.ReconnectInterval,
		ReconnectMax:      cfg.ReconnectMax,
		Session:           cfg.Session.Mux(),
		Logger:            logger.Default(),
	})

	if err := ag.Run(ctx); err != nil {
		logger.Error("relay client failed", "error", err)
		os.Exit(1)
	}
	logger.Info("agent stopped")
}
