package astarte

import (
	"context"
	"errors"
	"net/http"
)

// RegisterDevice registers deviceID through the agent API and returns its
// credentials secret.
func (c *Client) RegisterDevice(ctx context.Context, deviceID string) (string, error) {
	body := map[string]map[string]string{"data": {"hw_id": deviceID}}
	var out struct {
		CredentialsSecret string `json:"credentials_secret"`
	}
	if err := c.do(ctx, http.MethodPost, c.realmURL(Pairing, "agent", "devices"), body, &out); err != nil {
		return "", err
	}
	if out.CredentialsSecret == "" {
		return "", errors.New("registration returned no credentials secret")
	}
	return out.CredentialsSecret, nil
}
