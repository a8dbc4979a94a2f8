// Package astarte talks to the device management backend over its HTTP APIs.
package astarte

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Backend services.
const (
	AppEngine       = "appengine"
	RealmManagement = "realmmanagement"
	Pairing         = "pairing"
)

// APIError is a non-2xx answer from the backend.
type APIError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, strings.TrimSpace(e.Body))
}

// Client calls the backend APIs for one realm.
type Client struct {
	BaseURL string
	Realm   string
	HTTP    *http.Client
	Signer  *TokenSigner
}

// NewClient returns a client for baseURL. transport may be nil.
func NewClient(baseURL, realm string, signer *TokenSigner, transport http.RoundTripper) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Realm:   realm,
		HTTP:    &http.Client{Transport: transport, Timeout: 30 * time.Second},
		Signer:  signer,
	}
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

func (c *Client) realmURL(service string, parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	u := fmt.Sprintf("%s/%s/v1/%s", c.BaseURL, service, url.PathEscape(c.Realm))
	if len(escaped) > 0 {
		u += "/" + strings.Join(escaped, "/")
	}
	return u
}

// do sends body wrapped in a data envelope and decodes the data field of the
// answer into out. Either may be nil.
func (c *Client) do(ctx context.Context, method, u string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Signer != nil {
		token, err := c.Signer.APIToken()
		if err != nil {
			return fmt.Errorf("signing API token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	slog.Debug("Backend request", "method", method, "url", u)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Method: method, URL: u, Status: resp.StatusCode, Body: string(payload)}
	}
	if out == nil || len(payload) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, u, err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decoding data of %s %s: %w", method, u, err)
	}
	return nil
}
