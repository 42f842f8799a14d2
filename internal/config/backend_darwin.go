//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// defaultsDomain is the user defaults domain holding bridge settings.
const defaultsDomain = "ai.nightline.bridge"

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "iphone-bridge-data"
	}
	return filepath.Join(home, "Library", "Application Support", "iphone-bridge")
}

func secretHint() string {
	return fmt.Sprintf(" or the login keychain (security add-generic-password -s %s -a %s -w ...)", keychainService, keychainAccount)
}

// defaultsBackend keeps settings in user defaults through the defaults CLI,
// so they can be inspected and edited with `defaults read ai.nightline.bridge`.
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() Backend {
	return defaultsBackend{domain: defaultsDomain}
}

func (b defaultsBackend) Lookup(key string) (string, bool, error) {
	out, err := exec.Command("defaults", "read", b.domain, key).CombinedOutput()
	raw := strings.TrimSpace(string(out))
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return raw, true, nil
	case errors.As(err, &exitErr) && exitErr.ExitCode() == 1:
		// Unset key or missing domain.
		return "", false, nil
	default:
		return "", false, fmt.Errorf("defaults read %s %s: %w: %s", b.domain, key, err, raw)
	}
}

func (b defaultsBackend) Store(key string, typ keyType, raw string) error {
	flag := "-string"
	switch typ {
	case kInt:
		flag = "-int"
	case kBool:
		flag = "-bool"
	}
	return b.run("write", key, flag, raw)
}

func (b defaultsBackend) Remove(key string) error {
	return b.run("delete", key)
}

func (b defaultsBackend) run(verb string, args ...string) error {
	argv := append([]string{verb, b.domain}, args...)
	if out, err := exec.Command("defaults", argv...).CombinedOutput(); err != nil {
		return fmt.Errorf("defaults %s: %w: %s", verb, err, strings.TrimSpace(string(out)))
	}
	return nil
}
