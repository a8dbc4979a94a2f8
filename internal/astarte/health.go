package astarte

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// HealthChecker polls the health endpoint of each service.
type HealthChecker struct {
	Client   *Client
	Services []string
}

// CheckHealthy reports true when every service answers 2xx. A transport error
// is returned, a non-2xx status is just "not ready".
func (h *HealthChecker) CheckHealthy(ctx context.Context) (bool, error) {
	services := h.Services
	if len(services) == 0 {
		services = []string{AppEngine, RealmManagement, Pairing}
	}
	for _, s := range services {
		ok, err := h.check(ctx, s)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (h *HealthChecker) check(ctx context.Context, service string) (bool, error) {
	u := fmt.Sprintf("%s/%s/health", h.Client.BaseURL, service)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	resp, err := h.Client.HTTP.Do(req)
	if err != nil {
		return false, fmt.Errorf("%s health: %w", service, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}
