package astarte

import (
	"context"
	"crypto"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Claim keys understood by the backend, one per API.
const (
	ClaimRealmManagement = "a_rma"
	ClaimPairing         = "a_pa"
	ClaimAppEngine       = "a_aea"
)

// AllAccess grants every method on every path.
const AllAccess = ".*::.*"

// TokenSigner mints realm JWTs from the realm private key.
type TokenSigner struct {
	key    crypto.Signer
	method jwt.SigningMethod
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenSigner parses a PEM encoded RSA or ECDSA private key.
func NewTokenSigner(pemData []byte, ttl time.Duration) (*TokenSigner, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if key, err := jwt.ParseECPrivateKeyFromPEM(pemData); err == nil {
		return &TokenSigner{key: key, method: jwt.SigningMethodES256, ttl: ttl, now: time.Now}, nil
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("realm private key is neither EC nor RSA: %w", err)
	}
	return &TokenSigner{key: key, method: jwt.SigningMethodRS256, ttl: ttl, now: time.Now}, nil
}

// LoadTokenSigner reads the realm private key from path.
func LoadTokenSigner(path string, ttl time.Duration) (*TokenSigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read realm private key: %w", err)
	}
	return NewTokenSigner(data, ttl)
}

// Sign returns a token granting scope on each of the given claims.
func (s *TokenSigner) Sign(scope string, claims ...string) (string, error) {
	now := s.now()
	mc := jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(s.ttl).Unix(),
	}
	for _, c := range claims {
		mc[c] = []string{scope}
	}
	return jwt.NewWithClaims(s.method, mc).SignedString(s.key)
}

// APIToken grants full access to every API the driver calls.
func (s *TokenSigner) APIToken() (string, error) {
	return s.Sign(AllAccess, ClaimRealmManagement, ClaimPairing, ClaimAppEngine)
}

// PairingToken returns a token limited to the pairing API.
func (s *TokenSigner) PairingToken(_ context.Context, scope string) (string, error) {
	if scope == "" {
		scope = AllAccess
	}
	return s.Sign(scope, ClaimPairing)
}
