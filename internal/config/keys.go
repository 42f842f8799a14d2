package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "BRIDGE_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "BRIDGE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "remote.base_url", typ: kString, env: "BRIDGE_REMOTE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Remote.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.BaseURL },
	},
	{
		key: "remote.client_id", typ: kString, env: "BRIDGE_REMOTE_CLIENT_ID",
		apply:   func(cfg *Config, v any) { cfg.Remote.ClientID = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.ClientID },
	},
	{
		key: "remote.webhook_secret", typ: kString, env: "BRIDGE_REMOTE_WEBHOOK_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Remote.WebhookSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.WebhookSecret },
	},
	{
		key: "watcher.db_path", typ: kString, env: "BRIDGE_WATCHER_DB_PATH",
		apply:   func(cfg *Config, v any) { cfg.Watcher.DBPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Watcher.DBPath },
	},
	{
		key: "watcher.poll_interval", typ: kDuration, env: "BRIDGE_WATCHER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Watcher.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Watcher.PollInterval },
	},
	{
		key: "watcher.start_from", typ: kString, env: "BRIDGE_WATCHER_START_FROM",
		apply:   func(cfg *Config, v any) { cfg.Watcher.StartFrom = v.(string) },
		extract: func(cfg Config) any { return cfg.Watcher.StartFrom },
	},
	{
		key: "watcher.batch_limit", typ: kInt, env: "BRIDGE_WATCHER_BATCH_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Watcher.BatchLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Watcher.BatchLimit },
	},
	{
		key: "watcher.fs_notify", typ: kBool, env: "BRIDGE_WATCHER_FS_NOTIFY",
		apply:   func(cfg *Config, v any) { cfg.Watcher.FSNotify = v.(bool) },
		extract: func(cfg Config) any { return cfg.Watcher.FSNotify },
	},
	{
		key: "echo.ttl", typ: kDuration, env: "BRIDGE_ECHO_TTL",
		apply:   func(cfg *Config, v any) { cfg.Echo.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Echo.TTL },
	},
	{
		key: "delivery.max_attempts", typ: kInt, env: "BRIDGE_DELIVERY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Delivery.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Delivery.MaxAttempts },
	},
	{
		key: "delivery.initial_backoff", typ: kDuration, env: "BRIDGE_DELIVERY_INITIAL_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Delivery.InitialBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Delivery.InitialBackoff },
	},
	{
		key: "delivery.max_backoff", typ: kDuration, env: "BRIDGE_DELIVERY_MAX_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Delivery.MaxBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Delivery.MaxBackoff },
	},
	{
		key: "delivery.attempt_timeout", typ: kDuration, env: "BRIDGE_DELIVERY_ATTEMPT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Delivery.AttemptTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Delivery.AttemptTimeout },
	},
	{
		key: "delivery.event_timeout", typ: kDuration, env: "BRIDGE_DELIVERY_EVENT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Delivery.EventTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Delivery.EventTimeout },
	},
	{
		key: "sender.timeout", typ: kDuration, env: "BRIDGE_SENDER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Sender.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sender.Timeout },
	},
	{
		key: "storage.data_dir", typ: kString, env: "BRIDGE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "BRIDGE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "mock.enabled", typ: kBool, env: "BRIDGE_MOCK_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Mock.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Mock.Enabled },
	},
}

// formatValue is the inverse of parseValue; it yields the canonical string
// stored by backends.
func formatValue(v any) string {
	switch val := v.(type) {
	case int:
		return strconv.Itoa(val)
	case bool:
		return strconv.FormatBool(val)
	case time.Duration:
		return val.String()
	default:
		return fmt.Sprint(v)
	}
}

// parseValue converts a raw string into the Go type for typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("negative duration %s", d)
		}
		return d, nil
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok, err := b.Lookup(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
