// Package identity provisions fresh device identities for scenario runs.
package identity

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Kind selects which credential a scenario needs.
type Kind string

const (
	// PairingToken is used by scenarios that register the device themselves.
	PairingToken Kind = "pairing_token"
	// CredentialsSecret is used by scenarios that run against a pre-registered device.
	CredentialsSecret Kind = "credentials_secret"
)

// Valid reports whether k is a known credential kind.
func (k Kind) Valid() bool {
	return k == PairingToken || k == CredentialsSecret
}

// Identity is a device id plus exactly one credential.
type Identity struct {
	DeviceID          string
	PairingToken      string
	CredentialsSecret string
}

// Kind returns the credential carried by the identity.
func (i Identity) Kind() Kind {
	if i.PairingToken != "" {
		return PairingToken
	}
	return CredentialsSecret
}

// Registrar registers a device and returns its long lived credentials secret.
type Registrar interface {
	RegisterDevice(ctx context.Context, deviceID string) (string, error)
}

// TokenIssuer mints pairing tokens for first time registration.
type TokenIssuer interface {
	PairingToken(ctx context.Context, scope string) (string, error)
}

// ErrUnknownKind is returned for a credential kind the provisioner cannot serve.
var ErrUnknownKind = errors.New("unknown credential kind")

// ProvisionError reports a failed identity acquisition for one scenario.
type ProvisionError struct {
	Scenario string
	Kind     Kind
	Op       string
	Err      error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s (%s): %s: %v", e.Scenario, e.Kind, e.Op, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// NewDeviceID returns a random 128-bit id encoded as unpadded URL-safe base64.
func NewDeviceID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(u[:]), nil
}

// Provisioner creates identities. DeviceIDs defaults to NewDeviceID.
type Provisioner struct {
	Registrar Registrar
	Tokens    TokenIssuer
	Scope     string
	DeviceIDs func() (string, error)

	// Observe is called once per provisioning attempt when set.
	Observe func(kind Kind, err error)
}

// Provision returns a fresh identity for the named scenario.
func (p *Provisioner) Provision(ctx context.Context, scenario string, kind Kind) (Identity, error) {
	id, err := p.provision(ctx, kind)
	if err != nil {
		err = &ProvisionError{Scenario: scenario, Kind: kind, Op: opOf(err), Err: unwrapOp(err)}
		slog.Warn("Provisioning failed", "scenario", scenario, "kind", kind, "error", err)
	} else {
		slog.Debug("Provisioned device", "scenario", scenario, "kind", kind, "device_id", id.DeviceID)
	}
	if p.Observe != nil {
		p.Observe(kind, err)
	}
	return id, err
}

type opError struct {
	op  string
	err error
}

func (e *opError) Error() string { return e.op + ": " + e.err.Error() }

func opOf(err error) string {
	var oe *opError
	if errors.As(err, &oe) {
		return oe.op
	}
	return "provision"
}

func unwrapOp(err error) error {
	var oe *opError
	if errors.As(err, &oe) {
		return oe.err
	}
	return err
}

func (p *Provisioner) provision(ctx context.Context, kind Kind) (Identity, error) {
	if !kind.Valid() {
		return Identity{}, &opError{"kind", fmt.Errorf("%w: %q", ErrUnknownKind, kind)}
	}

	gen := p.DeviceIDs
	if gen == nil {
		gen = NewDeviceID
	}
	deviceID, err := gen()
	if err != nil {
		return Identity{}, &opError{"device id", err}
	}
	if deviceID == "" {
		return Identity{}, &opError{"device id", errors.New("empty device id")}
	}

	switch kind {
	case PairingToken:
		if p.Tokens == nil {
			return Identity{}, &opError{"pairing token", errors.New("no token issuer configured")}
		}
		token, err := p.Tokens.PairingToken(ctx, p.Scope)
		if err != nil {
			return Identity{}, &opError{"pairing token", err}
		}
		return Identity{DeviceID: deviceID, PairingToken: token}, nil
	default:
		if p.Registrar == nil {
			return Identity{}, &opError{"register", errors.New("no registrar configured")}
		}
		secret, err := p.Registrar.RegisterDevice(ctx, deviceID)
		if err != nil {
			return Identity{}, &opError{"register", err}
		}
		if secret == "" {
			return Identity{}, &opError{"register", errors.New("empty credentials secret")}
		}
		return Identity{DeviceID: deviceID, CredentialsSecret: secret}, nil
	}
}
