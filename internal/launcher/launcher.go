// Package launcher reads the game launcher's settings to suggest where the
// files should be synced when no target is configured.
package launcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

var (
	ErrConfigNotFound     = errors.New("launcher config not found")
	ErrInstallPathMissing = errors.New("launcher config has no installPath")
)

type options struct {
	InstallPath string `json:"installPath"`
}

// DefaultConfigPath returns where the launcher keeps its options, under
// APPDATA or, when unset, USERPROFILE/AppData/Roaming.
func DefaultConfigPath() (string, error) {
	appData := os.Getenv("APPDATA")
	if appData == "" {
		profile := os.Getenv("USERPROFILE")
		if profile == "" {
			return "", fmt.Errorf("%w: neither APPDATA nor USERPROFILE is set", ErrConfigNotFound)
		}

		appData = filepath.Join(profile, "AppData", "Roaming")
	}

	return filepath.Join(appData, "TruckersMP", "launcher-options.json"), nil
}

// ReadInstallPath returns the installPath recorded in the launcher config at
// path.
func ReadInstallPath(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrConfigNotFound, path)
	}

	if err != nil {
		return "", fmt.Errorf("failed to read launcher config: %w", err)
	}

	var opts options
	if err := json.Unmarshal(data, &opts); err != nil {
		return "", fmt.Errorf("failed to parse launcher config %s: %w", path, err)
	}

	if opts.InstallPath == "" {
		return "", fmt.Errorf("%w: %s", ErrInstallPathMissing, path)
	}

	return opts.InstallPath, nil
}

// Discover reads the install path from configPath, or from the default
// location when configPath is empty.
func Discover(configPath string) (string, error) {
	if configPath == "" {
		var err error

		configPath, err = DefaultConfigPath()
		if err != nil {
			return "", err
		}
	}

	return ReadInstallPath(configPath)
}
