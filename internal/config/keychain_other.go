//go:build !darwin

package config

import (
	"fmt"
	"path/filepath"
)

// Without a keychain, secrets live in secrets.json under the XDG data
// directory as a flat "service/account" map, readable only by the owner.

func secretsFilePath() string {
	return xdgPath("XDG_DATA_HOME", filepath.Join(".local", "share"), "secrets.json")
}

func keychainExec(service, account string) ([]byte, error) {
	secrets := map[string]string{}
	if err := readJSONFile(secretsFilePath(), &secrets); err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	v, ok := secrets[service+"/"+account]
	if !ok {
		return nil, fmt.Errorf("no secret %s/%s in %s", service, account, secretsFilePath())
	}
	return []byte(v), nil
}

func keychainWrite(service, account, value string) error {
	path := secretsFilePath()
	secrets := map[string]string{}
	if err := readJSONFile(path, &secrets); err != nil {
		return fmt.Errorf("reading secrets file: %w", err)
	}
	secrets[service+"/"+account] = value
	return writeJSONFile(path, secrets)
}
