package config

import "fmt"

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
// The webhook secret is reported as set or unset, never by value.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		value := s.extract(cfg)
		if s.secret {
			if value.(string) == "" {
				value = "(unset)"
			} else {
				value = "(set)"
			}
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", value),
		})
	}
	return result
}

// SetKey writes a config key to the platform backend. The webhook secret is
// written to the platform secret store instead.
func SetKey(key, value string) error {
	return setKeyWith(newPlatformBackend(), keychainWrite, key, value)
}

func setKeyWith(b Backend, secretSet func(service, account, value string) error, key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			if value == "" {
				return fmt.Errorf("%s cannot be empty", key)
			}
			return secretSet(keychainService, keychainAccount, value)
		}
		v, err := parseValue(s.typ, value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return b.Store(key, s.typ, formatValue(v))
	}

	return fmt.Errorf("unknown config key: %q", key)
}

// UnsetKey removes a key from the platform backend so its default applies
// again.
func UnsetKey(key string) error {
	return unsetKeyWith(newPlatformBackend(), key)
}

func unsetKeyWith(b Backend, key string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return fmt.Errorf("%s is kept in the secret store, not the config backend", key)
		}
		return b.Remove(key)
	}
	return fmt.Errorf("unknown config key: %q", key)
}

// ValidKeys returns the list of config key names accepted by SetKey.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	return keys
}
