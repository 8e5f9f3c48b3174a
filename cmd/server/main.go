// Command kiln-server starts the kilnkeeper gRPC server.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/kilnkeeper/internal/app"
	"github.com/and161185/kilnkeeper/internal/clock"
	"github.com/and161185/kilnkeeper/internal/config"
	"github.com/and161185/kilnkeeper/internal/migrate"
	"github.com/and161185/kilnkeeper/internal/repository/memory"
	"github.com/and161185/kilnkeeper/internal/repository/postgres"
	grpcserver "github.com/and161185/kilnkeeper/internal/server/grpc"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main parses configuration, runs migrations, and starts the gRPC server.
func main() {
	// Flags override the optional YAML file, which overrides the defaults.
	def := config.Default()
	cfgPath := flag.String("config", "", "YAML config file")
	addr := flag.String("addr", def.Addr, "listen address")
	dsn := flag.String("dsn", def.DSN, "PostgreSQL DSN")
	store := flag.String("store", def.Store, "storage backend: postgres|memory")
	lim := flag.String("limiter", def.Limiter, "rate limiter backend: postgres|memory")
	jwtKey := flag.String("jwt-key", "", "HS256 signing key (required)")
	audience := flag.String("audience", "", "required audience of delegated tokens")
	secret := flag.String("signing-secret", "", "secret for arrival digests and export signatures (default: jwt key)")
	strict := flag.Bool("strict-delegation", def.StrictDelegationChecks, "enforce delegation checks for agent tokens")
	certFile := flag.String("tls-cert", "", "TLS certificate (PEM); empty serves plaintext")
	keyFile := flag.String("tls-key", "", "TLS private key (PEM)")
	doMigrate := flag.Bool("migrate", def.Migrate, "apply migrations on start")
	dev := flag.Bool("dev", false, "development logging and server reflection")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		// logger is not built yet
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "dsn":
			cfg.DSN = *dsn
		case "store":
			cfg.Store = *store
		case "limiter":
			cfg.Limiter = *lim
		case "jwt-key":
			cfg.JWTKey = *jwtKey
		case "audience":
			cfg.Audience = *audience
		case "signing-secret":
			cfg.SigningSecret = *secret
		case "strict-delegation":
			cfg.StrictDelegationChecks = *strict
		case "tls-cert":
			cfg.TLSCert = *certFile
		case "tls-key":
			cfg.TLSKey = *keyFile
		case "migrate":
			cfg.Migrate = *doMigrate
		case "dev":
			cfg.Dev = *dev
		}
	})

	var logger *zap.Logger
	if cfg.Dev {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
		zap.String("store", cfg.Store),
		zap.String("limiter", cfg.Limiter),
		zap.Strings("stations", cfg.StationIDs()),
	)

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	if !cfg.StrictDelegationChecks {
		logger.Warn("delegation checks disabled")
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var backends app.Backends
	switch cfg.Store {
	case "postgres":
		if cfg.Migrate {
			if err := migrate.Up(ctx, cfg.DSN); err != nil {
				logger.Fatal("migrate up", zap.Error(err))
			}
		}
		db, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			logger.Fatal("connect postgres", zap.Error(err))
		}
		defer db.Close()
		backends = app.Postgres(db, cfg.Limiter)
	default:
		logger.Warn("using in-memory store; data is lost on exit")
		backends = app.Memory(memory.New())
	}

	d, err := app.NewDispatcher(cfg, backends, clock.Real{}, clock.UUIDs{}, logger)
	if err != nil {
		logger.Fatal("build dispatcher", zap.Error(err))
	}

	var opts []grpc.ServerOption
	if cfg.TLSCert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		opts = append(opts, grpc.Creds(creds))
	} else {
		logger.Warn("serving without TLS")
	}

	s, _ := grpcserver.NewGRPCServer(d, logger, opts...)
	if cfg.Dev {
		reflection.Register(s)
	}

	// Listen
	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr), zap.Bool("tls", cfg.TLSCert != ""))
		errCh <- s.Serve(lis)
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
		// graceful shutdown
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
