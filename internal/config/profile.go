package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is the CLI's saved login and session tuning.
type Profile struct {
	ServiceURL    string        `yaml:"service_url"`
	Token         string        `yaml:"token,omitempty"`
	EditorID      string        `yaml:"editor_id,omitempty"`
	DisplayName   string        `yaml:"display_name,omitempty"`
	Role          string        `yaml:"role,omitempty"`
	DraftsPath    string        `yaml:"drafts_path,omitempty"`
	SaveDebounce  time.Duration `yaml:"save_debounce,omitempty"`
	ReconnectBase time.Duration `yaml:"reconnect_base,omitempty"`
	MaxAttempts   int           `yaml:"max_attempts,omitempty"`
}

func DefaultProfile() Profile {
	return Profile{
		ServiceURL:    "http://localhost:8787",
		SaveDebounce:  time.Second,
		ReconnectBase: 2 * time.Second,
		MaxAttempts:   5,
	}
}

// DefaultProfilePath is ~/.config/collabsync/profile.yaml, honoring
// XDG_CONFIG_HOME.
func DefaultProfilePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "collabsync", "profile.yaml"), nil
}

// LoadProfile reads path over the defaults. A missing file yields the
// defaults. COLLABSYNC_SERVICE_URL and COLLABSYNC_TOKEN override the file.
func LoadProfile(path string) (Profile, error) {
	profile := DefaultProfile()
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Profile{}, fmt.Errorf("read profile: %w", err)
	default:
		if err := yaml.Unmarshal(raw, &profile); err != nil {
			return Profile{}, fmt.Errorf("decode profile %s: %w", path, err)
		}
	}

	profile.ServiceURL = getenv("COLLABSYNC_SERVICE_URL", profile.ServiceURL)
	profile.Token = getenv("COLLABSYNC_TOKEN", profile.Token)
	if profile.DraftsPath == "" {
		profile.DraftsPath = filepath.Join(filepath.Dir(path), "drafts.db")
	}
	return profile, nil
}

func SaveProfile(path string, profile Profile) error {
	raw, err := yaml.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	return nil
}
