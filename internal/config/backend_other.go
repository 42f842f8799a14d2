//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// xdgPath joins name under $env, or under fallback in the home directory.
func xdgPath(env, fallback string, name ...string) string {
	base := os.Getenv(env)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		base = filepath.Join(home, fallback)
	}
	return filepath.Join(append([]string{base, "iphone-bridge"}, name...)...)
}

func defaultDataDir() string {
	return xdgPath("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

func configFilePath() string {
	return xdgPath("XDG_CONFIG_HOME", ".config", "config.json")
}

func secretHint() string {
	return " or " + secretsFilePath()
}

// jsonFileBackend keeps settings in a flat JSON object. Ints and bools are
// written as JSON numbers and booleans so the file stays hand-editable.
type jsonFileBackend struct {
	path   string
	values map[string]any
}

func newPlatformBackend() Backend {
	b := &jsonFileBackend{path: configFilePath(), values: map[string]any{}}
	if err := readJSONFile(b.path, &b.values); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] ignoring config file %s: %v\n", b.path, err)
	}
	return b
}

func (b *jsonFileBackend) Lookup(key string) (string, bool, error) {
	v, ok := b.values[key]
	if !ok {
		return "", false, nil
	}
	switch val := v.(type) {
	case string:
		return val, true, nil
	case bool:
		return strconv.FormatBool(val), true, nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true, nil
	default:
		return "", true, fmt.Errorf("%s: unsupported JSON value %v", key, v)
	}
}

func (b *jsonFileBackend) Store(key string, typ keyType, raw string) error {
	var v any = raw
	switch typ {
	case kInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		v = n
	case kBool:
		t, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		v = t
	}
	b.values[key] = v
	return writeJSONFile(b.path, b.values)
}

func (b *jsonFileBackend) Remove(key string) error {
	delete(b.values, key)
	return writeJSONFile(b.path, b.values)
}

// readJSONFile decodes path into v. A missing file is not an error.
func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSONFile writes v to path with owner-only permissions.
func writeJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
