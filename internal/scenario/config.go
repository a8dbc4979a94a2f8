package scenario

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"devicecheck/internal/identity"
)

// Env is the run environment shared by every scenario.
type Env struct {
	Realm      string
	PairingURL string
}

// Config is the file a scenario program reads through --config.
// Field order is the order written to disk.
type Config struct {
	Realm             string `json:"realm"`
	DeviceID          string `json:"device_id"`
	PairingToken      string `json:"pairing_token,omitempty"`
	CredentialsSecret string `json:"credentials_secret,omitempty"`
	PairingURL        string `json:"pairing_url"`
}

// Render builds the configuration for one scenario run. It has no side effects.
func Render(spec Spec, id identity.Identity, env Env) Config {
	c := Config{
		Realm:      env.Realm,
		DeviceID:   id.DeviceID,
		PairingURL: env.PairingURL,
	}
	switch spec.Credential {
	case identity.PairingToken:
		c.PairingToken = id.PairingToken
	default:
		c.CredentialsSecret = id.CredentialsSecret
	}
	return c
}

// Validate checks that exactly one credential is present.
func (c Config) Validate() error {
	switch {
	case c.Realm == "":
		return errors.New("realm is empty")
	case c.DeviceID == "":
		return errors.New("device_id is empty")
	case c.PairingURL == "":
		return errors.New("pairing_url is empty")
	case (c.PairingToken == "") == (c.CredentialsSecret == ""):
		return errors.New("exactly one of pairing_token and credentials_secret must be set")
	}
	return nil
}

// Marshal encodes the configuration deterministically.
func (c Config) Marshal() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Write stores the configuration at path, creating parent directories.
// The file holds a secret so it is readable by the owner only.
func (c Config) Write(path string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid scenario config: %w", err)
	}
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

// ReadConfig loads a configuration written by Write.
func ReadConfig(path string) (Config, error) {
	var c Config
	data, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return c, nil
}
