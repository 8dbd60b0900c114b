package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"midea-bridge/internal/cloud"
	"midea-bridge/internal/codec"
	"midea-bridge/internal/device"
	"midea-bridge/internal/store"
	"midea-bridge/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type accountConfig struct {
	ID       string `yaml:"id"`
	Server   string `yaml:"server"` // "meiju" or "msmarthome"
	Account  string `yaml:"account"`
	Password string `yaml:"password"`
}

// applianceConfig carries local-network pairing credentials for one
// appliance. Token and key come out of band (pairing tools); without them
// the appliance is reachable through the cloud relay only.
type applianceConfig struct {
	ID       uint64 `yaml:"id"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Token    string `yaml:"token"`
	Key      string `yaml:"key"`
	Protocol int    `yaml:"protocol"`
}

type Config struct {
	Accounts   []accountConfig   `yaml:"accounts"`
	Appliances []applianceConfig `yaml:"appliances"`
	Web        struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telegram struct {
		BotToken string   `yaml:"bot_token"`
		ChatIDs  []string `yaml:"chat_ids"`
	} `yaml:"telegram"`
	DevicesDir      string `yaml:"devices_dir"`
	ScriptsDir      string `yaml:"scripts_dir"`
	RefreshInterval string `yaml:"refresh_interval"`
}

func (c *Config) validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}
	for i, a := range c.Accounts {
		if a.Account == "" || a.Password == "" {
			return fmt.Errorf("accounts[%d]: account and password are required", i)
		}
		switch a.Server {
		case "", "meiju", "msmarthome":
		default:
			return fmt.Errorf("accounts[%d]: unknown server %q (supported: meiju, msmarthome)", i, a.Server)
		}
	}
	for i, a := range c.Appliances {
		if a.ID == 0 {
			return fmt.Errorf("appliances[%d]: id is required", i)
		}
		if (a.Token == "") != (a.Key == "") {
			return fmt.Errorf("appliances[%d]: token and key must be set together", i)
		}
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("midea-bridge starting", "version", version)

	// Load per-model codec descriptors and attribute mappings.
	registry := codec.NewRegistry(logger)
	mappings, err := codec.LoadDescriptorDir(cfg.DevicesDir, registry, logger)
	if err != nil {
		logger.Error("load device descriptors", "err", err)
		os.Exit(1)
	}
	logger.Info("codec registry initialized", "descriptors", registry.Len(), "mappings", mappings.Len())

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	refreshInterval := 30 * time.Second
	if cfg.RefreshInterval != "" {
		if d, err := time.ParseDuration(cfg.RefreshInterval); err == nil {
			refreshInterval = d
		} else {
			logger.Warn("invalid refresh_interval, using default", "value", cfg.RefreshInterval, "default", refreshInterval)
		}
	}

	bus := device.NewEventBus(logger)
	hub := device.NewHub(registry, mappings, bus, db, refreshInterval, logger)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	// Enroll appliances per account. A failed login degrades to stored
	// appliances so local control keeps working without the cloud.
	accounts := cloud.NewSessionRegistry(logger)
	for _, acct := range cfg.Accounts {
		enrollAccount(runCtx, cfg, accounts, hub, db, acct, logger)
	}

	go hub.Run(runCtx)

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(hub, cfg, logger)

	// Start web server
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(hub, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(hub, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	runCancel()
	hub.Stop()

	logger.Info("goodbye")
}

// enrollAccount logs in, enumerates the account's appliances, persists them,
// and registers a session for each. On cloud failure it falls back to the
// appliances already in the store.
func enrollAccount(ctx context.Context, cfg *Config, accounts *cloud.SessionRegistry,
	hub *device.Hub, db store.Store, acctCfg accountConfig, logger *slog.Logger) {

	acct := cloud.Account{
		ID:       acctCfg.ID,
		Server:   acctCfg.Server,
		Account:  acctCfg.Account,
		Password: acctCfg.Password,
	}
	if acct.ID == "" {
		acct.ID = acct.Account
	}

	provider, homes, err := accounts.GetOrLogin(ctx, acct)
	if err != nil {
		logger.Error("cloud login failed, using stored appliances", "account", acct.ID, "err", err)
		enrollStored(ctx, hub, db, acct.ID, logger)
		return
	}

	enrolled := 0
	for homeID := range homes {
		appliances, err := provider.ListAppliances(ctx, homeID)
		if err != nil {
			logger.Error("list appliances", "account", acct.ID, "home", homeID, "err", err)
			continue
		}
		for _, a := range appliances {
			app := &store.Appliance{
				ID:               a.ID,
				Name:             a.Name,
				Type:             a.Type,
				SN:               a.SN,
				SN8:              a.SN8,
				ModelNumber:      a.ModelNumber,
				Model:            a.Model,
				ManufacturerCode: a.ManufacturerCode,
				AccountID:        acct.ID,
				HomeID:           homeID,
				Online:           a.Online,
				LastSeen:         time.Now(),
			}

			// Keep pairing credentials from a previous run.
			if prev, err := db.GetAppliance(a.ID); err == nil {
				app.Host = prev.Host
				app.Port = prev.Port
				app.Token = prev.Token
				app.Key = prev.Key
				app.Protocol = prev.Protocol
			}
			applyApplianceConfig(app, cfg.Appliances)

			if err := db.SaveAppliance(app); err != nil {
				logger.Error("save appliance", "device", a.ID, "err", err)
			}
			hub.AddAppliance(ctx, app, provider)
			enrolled++
		}
	}

	logger.Info("account enrolled", "account", acct.ID, "homes", len(homes), "appliances", enrolled)
}

// enrollStored registers sessions for an account's persisted appliances
// without a cloud provider.
func enrollStored(ctx context.Context, hub *device.Hub, db store.Store, accountID string, logger *slog.Logger) {
	apps, err := db.ListAppliances()
	if err != nil {
		logger.Error("list stored appliances", "err", err)
		return
	}
	for _, app := range apps {
		if app.AccountID != accountID {
			continue
		}
		hub.AddAppliance(ctx, app, nil)
	}
}

// applyApplianceConfig overlays configured pairing credentials.
func applyApplianceConfig(app *store.Appliance, configs []applianceConfig) {
	for _, c := range configs {
		if c.ID != app.ID {
			continue
		}
		if c.Host != "" {
			app.Host = c.Host
		}
		if c.Port != 0 {
			app.Port = c.Port
		}
		if c.Token != "" {
			app.Token = c.Token
			app.Key = c.Key
		}
		if c.Protocol != 0 {
			app.Protocol = c.Protocol
		}
		return
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "midea-bridge.db"
	}
	if cfg.DevicesDir == "" {
		cfg.DevicesDir = "devices"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "midea"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
