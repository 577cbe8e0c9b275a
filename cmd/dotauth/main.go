package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/jjrdk/dotauth"
	"github.com/jjrdk/dotauth/instrumentation"
	"github.com/jjrdk/dotauth/security"
	"github.com/jjrdk/dotauth/server"
	"github.com/jjrdk/dotauth/storage/memory"
	"github.com/jjrdk/dotauth/storage/valkey"
)

var (
	app     *cli.App
	version = "dev"
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML config file",
		Value: "dotauth.toml",
	}
	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Enable debug logging",
	}
)

func init() {
	app = cli.NewApp()
	app.EnableBashCompletion = true
	app.Usage = "OAuth2, OpenID Connect and UMA2 authorization server"
	app.Flags = []cli.Flag{
		configFileFlag,
		debugFlag,
	}
	app.Commands = []*cli.Command{
		{
			Name:   "serve",
			Usage:  "Run the authorization server",
			Action: run,
		},
		{
			Name:  "generate-key",
			Usage: "Print a random base64 AES-256 key for request_protection_key or encryption_key",
			Action: func(ctx *cli.Context) error {
				key, err := security.GenerateKey()
				if err != nil {
					return err
				}
				fmt.Fprintln(ctx.App.Writer, security.KeyToBase64(key))
				return nil
			},
		},
		{
			Name:      "hash-secret",
			Usage:     "Print the bcrypt hash of a client secret or password read from stdin",
			ArgsUsage: " ",
			Action:    hashSecret,
		},
		{
			Name: "version",
			Action: func(ctx *cli.Context) error {
				fmt.Fprintln(ctx.App.Writer, version)
				return nil
			},
		},
	}
	app.Action = run
}

func initLogger(debug bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func hashSecret(ctx *cli.Context) error {
	scanner := bufio.NewScanner(ctx.App.Reader)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return err
		}
		return errors.New("no secret on stdin")
	}
	secret := strings.TrimRight(scanner.Text(), "\r\n")
	if secret == "" {
		return errors.New("secret must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.App.Writer, string(hash))
	return nil
}

// headerSessions trusts an authenticating reverse proxy that forwards the
// logged in subject in SessionHeader. The authentication methods and login
// time come from their own headers when configured.
func headerSessions(config *Config) dotauth.SessionProvider {
	if config.SessionHeader == "" {
		return nil
	}
	return dotauth.SessionProviderFunc(func(r *http.Request) (*server.Session, error) {
		subject := strings.TrimSpace(r.Header.Get(config.SessionHeader))
		if subject == "" {
			return nil, nil
		}
		session := &server.Session{Subject: subject, AuthTime: time.Now()}

		if config.SessionAMRHeader != "" {
			for _, method := range strings.Split(r.Header.Get(config.SessionAMRHeader), ",") {
				if method = strings.TrimSpace(method); method != "" {
					session.AMR = append(session.AMR, method)
				}
			}
		}

		if config.SessionAuthTimeHeader != "" {
			raw := strings.TrimSpace(r.Header.Get(config.SessionAuthTimeHeader))
			if raw == "" {
				return nil, fmt.Errorf("missing %s header", config.SessionAuthTimeHeader)
			}
			secs, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || secs <= 0 {
				return nil, fmt.Errorf("invalid %s header %q", config.SessionAuthTimeHeader, raw)
			}
			session.AuthTime = time.Unix(secs, 0)
		}
		return session, nil
	})
}

// openStores returns the configured storage backend and a function
// releasing it
func openStores(config *Config, logger *slog.Logger) (server.AllStores, func(), error) {
	if config.Valkey.Address == "" {
		if config.EncryptionKey != "" {
			logger.Warn("encryption_key is ignored by the in-memory store")
		}
		store := memory.New()
		store.SetLogger(logger)
		return store, store.Stop, nil
	}

	store, err := valkey.New(valkey.Config{
		Address:   config.Valkey.Address,
		Password:  config.Valkey.Password,
		DB:        config.Valkey.DB,
		KeyPrefix: config.Valkey.KeyPrefix,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, err
	}
	if config.EncryptionKey != "" {
		key, err := security.KeyFromBase64(config.EncryptionKey)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("invalid encryption_key: %w", err)
		}
		enc, err := security.NewEncryptor(key)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		store.SetEncryptor(enc)
	}
	return store, store.Close, nil
}

func run(ctx *cli.Context) error {
	config, err := LoadConfig(ctx.String(configFileFlag.Name))
	if err != nil {
		slog.Error("Could not load config file.", "error", err)
		return err
	}
	logger := initLogger(config.Debug || ctx.IsSet(debugFlag.Name))

	store, closeStore, err := openStores(config, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer closeStore()

	if err := config.Seed(ctx.Context, store); err != nil {
		return fmt.Errorf("failed to seed storage: %w", err)
	}

	srvConfig := config.ServerConfig()
	srvConfig.Logger = logger
	srv, err := dotauth.New(server.StoresFrom(store), srvConfig, headerSessions(config))
	if err != nil {
		return err
	}
	defer srv.Close()

	if config.Audit {
		srv.SetAuditor(security.NewAuditor(logger, true))
	}

	if config.Telemetry.Enabled {
		inst, err := instrumentation.New(instrumentation.Config{
			ServiceName:    config.Telemetry.ServiceName,
			ServiceVersion: version,
			Enabled:        true,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize instrumentation: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), ServerShutdownTimeout)
			defer cancel()
			if err := inst.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Instrumentation shutdown failed", "error", err)
			}
		}()
		srv.SetInstrumentation(inst)
	}

	httpServer := &http.Server{
		Addr:              config.ListenAddr,
		Handler:           srv.Handler,
		ReadHeaderTimeout: ServerReadHeaderTimeout,
		ReadTimeout:       ServerReadTimeout,
		WriteTimeout:      ServerWriteTimeout,
		IdleTimeout:       ServerIdleTimeout,
	}

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		logger.Info("Starting dotauth server", "address", config.ListenAddr, "issuer", config.Issuer)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down dotauth server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ServerShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
