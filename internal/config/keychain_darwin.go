//go:build darwin

package config

import (
	"fmt"
	"os/exec"
	"strings"
)

// keychainExec returns the password of a generic keychain item.
func keychainExec(service, account string) ([]byte, error) {
	return exec.Command("security", "find-generic-password", "-s", service, "-a", account, "-w").Output()
}

// keychainWrite creates the item, or updates it in place (-U).
func keychainWrite(service, account, value string) error {
	out, err := exec.Command("security", "add-generic-password", "-U", "-s", service, "-a", account, "-w", value).CombinedOutput()
	if err != nil {
		return fmt.Errorf("writing keychain item %s/%s: %w: %s", service, account, err, strings.TrimSpace(string(out)))
	}
	return nil
}
