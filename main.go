package main

import (
	"bufio"
	"context"
	cryptorand "crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/scalecode-solutions/mvirc/auth"
	"github.com/scalecode-solutions/mvirc/config"
	"github.com/scalecode-solutions/mvirc/crypto"
	"github.com/scalecode-solutions/mvirc/irc"
	"github.com/scalecode-solutions/mvirc/plugin"
	"github.com/scalecode-solutions/mvirc/plugins/stats"
	"github.com/scalecode-solutions/mvirc/ratelimit"
	"github.com/scalecode-solutions/mvirc/redis"
	"github.com/scalecode-solutions/mvirc/scheduler"
	"github.com/scalecode-solutions/mvirc/signal"
	"github.com/scalecode-solutions/mvirc/store"
)

const (
	currentVersion = "0.1.0"
)

var buildstamp = "dev"

// CLI is the mvircd command line.
var CLI struct {
	Debug bool `short:"d" help:"Enable debug output."`

	Serve        ServeCmd        `cmd:"" default:"withargs" help:"Run the IRC daemon."`
	HashPassword HashPasswordCmd `cmd:"" help:"Hash an operator password for the config file."`
	GenerateKeys GenerateKeysCmd `cmd:"" help:"Generate secure keys for the config file."`
	Version      VersionCmd      `cmd:"" help:"Show version information."`
}

func main() {
	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&CLI,
		kong.Name("mvircd"),
		kong.Description("An extensible IRC daemon."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger(CLI.Debug)

	if err := kongCtx.Run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// configureLogger installs a text handler on stderr as the default logger.
func configureLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// ServeCmd is 'mvircd serve'.
type ServeCmd struct {
	Root   string `help:"Directory relative paths in the config resolve against." type:"existingdir" placeholder:"DIR"`
	Config string `short:"c" help:"Path to config file." default:"mvirc.yaml" placeholder:"FILE"`
	InitDB bool   `name:"init-db" help:"Initialize the database schema before serving."`
}

// Run builds every component leaves first, serves until ctx is cancelled,
// then shuts down in reverse.
func (c *ServeCmd) Run(ctx context.Context) error {
	logger := slog.Default()
	logger.Info("starting mvircd", "version", currentVersion, "build", buildstamp)

	path := c.Config
	if c.Root != "" && !filepath.IsAbs(path) {
		path = filepath.Join(c.Root, path)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if c.Root != "" {
		cfg.Root = c.Root
	}

	// Core
	bus := signal.New(signal.Options{Logger: logger})
	sched := scheduler.New(bus, scheduler.Options{
		GracePeriod: cfg.Scheduler.GracePeriod,
		Logger:      logger,
	})

	// Backing services
	var db *store.DB
	var sealer *crypto.Sealer
	if cfg.Database.Enabled {
		db, err = store.New(ctx, &cfg.Database)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()
		if c.InitDB {
			if err := db.InitSchema(ctx); err != nil {
				return err
			}
			logger.Info("schema initialized")
		}
		if version, err := db.GetSchemaVersion(ctx); err != nil {
			logger.Warn("could not read schema version, run with --init-db to initialize", "error", err)
		} else {
			logger.Info("connected to database", "schema_version", version)
		}

		sealer, err = crypto.NewSealer(cfg.Database.EncryptionKey)
		if err != nil {
			return fmt.Errorf("init sealer: %w", err)
		}
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.New(redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			NodeID:   cfg.Redis.NodeID,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer redisClient.Close()
		logger.Info("connected to redis", "node", cfg.Redis.NodeID)
	}

	// Hub
	hubOpts := HubOptions{Bus: bus, NickTTL: cfg.Redis.PresenceTTL, Logger: logger}
	if redisClient != nil {
		hubOpts.Directory = redisClient
	}
	hub := NewHub(hubOpts)
	go hub.Run()
	defer hub.Shutdown()

	if redisClient != nil {
		nodePubsub := redisClient.NewPubSub(hub.HandlePubSubMessage)
		if err := nodePubsub.SubscribeToNode(ctx); err != nil {
			return fmt.Errorf("subscribe to node channel: %w", err)
		}
		defer nodePubsub.Close()
		go nodePubsub.Listen(ctx)
	}

	// Presence
	presenceCfg := PresenceConfig{
		Hub:       hub,
		Bus:       bus,
		Sealer:    sealer,
		NodeID:    cfg.Redis.NodeID,
		NickTTL:   cfg.Redis.PresenceTTL,
		Retention: cfg.Database.Retention,
		Logger:    logger,
	}
	if db != nil {
		presenceCfg.Store = db
	}
	if redisClient != nil {
		presenceCfg.Nicks = redisClient
	}
	presence := NewPresenceManager(presenceCfg)
	if err := presence.Start(ctx); err != nil {
		return err
	}

	// Protocol
	var authService *auth.Auth
	if cfg.Admin.TokenKey != "" {
		authService = auth.New(auth.Config{
			TokenKey:    []byte(cfg.Admin.TokenKey),
			TokenExpiry: cfg.Admin.TokenExpiry,
			Issuer:      cfg.Server.Name,
		})
	}
	operators := make(map[string]string, len(cfg.Operators))
	for _, op := range cfg.Operators {
		operators[op.Name] = op.Password
	}

	codec := irc.NewCodec(irc.DefaultRegistry())
	limiter := ratelimit.New(cfg.Limits.FloodPenalty, cfg.Limits.FloodBurst)
	dispatcher := NewDispatcher(codec, hub, limiter, cfg.Server.Name, logger)
	handlers := NewHandlers(cfg, hub, bus, authService, auth.NewOperators(operators), logger)
	handlers.Install(dispatcher)

	// Plugins
	plugins := plugin.NewRegistry()
	if err := plugins.Register(stats.New(logger)); err != nil {
		return err
	}
	if err := plugins.Enable(cfg.Plugins.Enabled...); err != nil {
		return err
	}
	if err := plugins.Initialize(ctx, &pluginHost{bus: bus, hub: hub, cfg: cfg}); err != nil {
		return err
	}

	// Scripts
	engine, err := newScriptEngine(&scriptServer{name: cfg.Server.Name, hub: hub, presence: presence}, logger)
	if err != nil {
		return err
	}
	if err := startScripts(ctx, cfg, engine, bus); err != nil {
		return err
	}

	// Transport
	srv := NewServer(cfg, hub, dispatcher, logger)
	serveErr := srv.Serve(ctx, srv.Handler(plugins))

	logger.Info("shutting down")
	hub.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := sched.Shutdown(shutdownCtx); err != nil {
		logger.Warn("scheduler shutdown", "error", err)
	}

	logger.Info("server stopped")
	return serveErr
}

// HashPasswordCmd is 'mvircd hash-password'.
type HashPasswordCmd struct {
	Password string `arg:"" optional:"" help:"Password to hash. Read from stdin when omitted."`
}

func (c *HashPasswordCmd) Run(ctx context.Context) error {
	password := c.Password
	if password == "" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return errors.New("password must not be empty")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

// GenerateKeysCmd is 'mvircd generate-keys'.
type GenerateKeysCmd struct{}

func (c *GenerateKeysCmd) Run(ctx context.Context) error {
	tokenKey, err := generateSecureKey(32)
	if err != nil {
		return err
	}
	encryptionKey, err := crypto.GenerateKeyBase64()
	if err != nil {
		return err
	}

	fmt.Println("# Generated secure keys for mvIRC configuration")
	fmt.Println("# Copy these values to your mvirc.yaml or set as environment variables")
	fmt.Println("#")
	fmt.Println("# WARNING: These keys are generated fresh each time.")
	fmt.Println("# Changing encryption_key after deployment makes stored hostnames unreadable!")
	fmt.Println("")
	fmt.Println("# Environment variables (recommended for production):")
	fmt.Printf("export MVIRC_TOKEN_KEY='%s'\n", tokenKey)
	fmt.Printf("export MVIRC_DB_ENCRYPTION_KEY='%s'\n", encryptionKey)
	fmt.Println("")
	fmt.Println("# Or YAML configuration:")
	fmt.Println("admin:")
	fmt.Printf("  token_key: %s\n", tokenKey)
	fmt.Println("database:")
	fmt.Printf("  encryption_key: %s\n", encryptionKey)
	return nil
}

// VersionCmd is 'mvircd version'.
type VersionCmd struct{}

func (c *VersionCmd) Run(ctx context.Context) error {
	fmt.Printf("mvircd %s (build: %s)\n", currentVersion, buildstamp)
	return nil
}

// generateSecureKey generates a cryptographically secure random key.
func generateSecureKey(bytes int) (string, error) {
	key := make([]byte, bytes)
	if _, err := cryptorand.Read(key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
