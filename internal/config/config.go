package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Nightline-AI/iphone-bridge/internal/chatdb"
	"github.com/Nightline-AI/iphone-bridge/internal/watcher"
)

type Config struct {
	Server   ServerConfig
	Remote   RemoteConfig
	Watcher  WatcherConfig
	Echo     EchoConfig
	Delivery DeliveryConfig
	Sender   SenderConfig
	Storage  StorageConfig
	Log      LogConfig
	Mock     MockConfig
}

type ServerConfig struct {
	Host string
	Port int
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RemoteConfig locates the webhook receiver.
type RemoteConfig struct {
	BaseURL       string
	ClientID      string
	WebhookSecret string
}

type WatcherConfig struct {
	DBPath       string
	PollInterval time.Duration
	StartFrom    string
	BatchLimit   int
	FSNotify     bool
}

type EchoConfig struct {
	TTL time.Duration
}

type DeliveryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	EventTimeout   time.Duration
}

type SenderConfig struct {
	Timeout time.Duration
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type MockConfig struct {
	Enabled bool
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Watcher: WatcherConfig{
			DBPath:       chatdb.DefaultPath(),
			PollInterval: 2 * time.Second,
			StartFrom:    "now",
			BatchLimit:   chatdb.DefaultBatchLimit,
			FSNotify:     true,
		},
		Echo: EchoConfig{
			TTL: 60 * time.Second,
		},
		Delivery: DeliveryConfig{
			MaxAttempts:    6,
			InitialBackoff: time.Second,
			MaxBackoff:     5 * time.Minute,
			AttemptTimeout: 30 * time.Second,
			EventTimeout:   10 * time.Minute,
		},
		Sender: SenderConfig{
			Timeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: ai.nightline.bridge) and the
// webhook secret falls back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/iphone-bridge/config.json
// and the secret falls back to $XDG_DATA_HOME/iphone-bridge/secrets.json.
//
// Environment variables (BRIDGE_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

const (
	keychainService = "iphone-bridge"
	keychainAccount = "webhook_secret"
)

// LoadUnvalidated is Load without the required-key checks. CLI commands that
// only talk to a running bridge use it.
func LoadUnvalidated() (Config, error) {
	return load(newPlatformBackend(), keychainReader{})
}

func loadWith(b Backend, kc keychain) (Config, error) {
	cfg, err := load(b, kc)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func load(b Backend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Remote.WebhookSecret == "" {
		if key, err := kc.Get(keychainService, keychainAccount); err == nil && key != "" {
			cfg.Remote.WebhookSecret = key
		}
	}
	return cfg, nil
}

// Validate checks required keys and value ranges. Mock mode runs without a
// remote, so the remote keys are only required outside it.
func (c Config) Validate() error {
	var errs []error
	if !c.Mock.Enabled {
		var missing []string
		if c.Remote.BaseURL == "" {
			missing = append(missing, "remote.base_url (BRIDGE_REMOTE_BASE_URL)")
		}
		if c.Remote.ClientID == "" {
			missing = append(missing, "remote.client_id (BRIDGE_REMOTE_CLIENT_ID)")
		}
		if c.Remote.WebhookSecret == "" {
			missing = append(missing, "remote.webhook_secret (BRIDGE_REMOTE_WEBHOOK_SECRET"+secretHint()+")")
		}
		if len(missing) > 0 {
			errs = append(errs, fmt.Errorf("missing required config: %s", strings.Join(missing, ", ")))
		}
	}
	if _, err := watcher.ParseStartPolicy(c.Watcher.StartFrom); err != nil {
		errs = append(errs, fmt.Errorf("watcher.start_from: %w", err))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Watcher.PollInterval <= 0 {
		errs = append(errs, errors.New("watcher.poll_interval must be positive"))
	}
	if c.Delivery.MaxAttempts < 1 {
		errs = append(errs, errors.New("delivery.max_attempts must be at least 1"))
	}
	return errors.Join(errs...)
}

// keychainReader reads the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
