package astarte

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"devicecheck/internal/iface"
)

func notFound(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return errors.Join(iface.ErrNotFound, err)
	}
	return err
}

// ListInterfaces returns the names of every installed interface.
func (c *Client) ListInterfaces(ctx context.Context) ([]string, error) {
	var names []string
	err := c.do(ctx, http.MethodGet, c.realmURL(RealmManagement, "interfaces"), nil, &names)
	return names, err
}

// InterfaceVersions returns the installed major versions of name.
func (c *Client) InterfaceVersions(ctx context.Context, name string) ([]int, error) {
	var majors []int
	err := c.do(ctx, http.MethodGet, c.realmURL(RealmManagement, "interfaces", name), nil, &majors)
	return majors, notFound(err)
}

// GetInterface fetches an installed interface.
func (c *Client) GetInterface(ctx context.Context, name string, major int) (iface.Definition, error) {
	var raw json.RawMessage
	u := c.realmURL(RealmManagement, "interfaces", name, strconv.Itoa(major))
	if err := c.do(ctx, http.MethodGet, u, nil, &raw); err != nil {
		return iface.Definition{}, notFound(err)
	}
	var head struct {
		Name  string `json:"interface_name"`
		Major int    `json:"version_major"`
		Minor int    `json:"version_minor"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return iface.Definition{}, err
	}
	return iface.Definition{Name: head.Name, Major: head.Major, Minor: head.Minor, Raw: raw}, nil
}

// CreateInterface installs a new interface or major version.
func (c *Client) CreateInterface(ctx context.Context, def iface.Definition) error {
	return c.do(ctx, http.MethodPost, c.realmURL(RealmManagement, "interfaces"), envelope{Data: def.Raw}, nil)
}

// UpdateInterface replaces an installed interface with a newer minor version.
func (c *Client) UpdateInterface(ctx context.Context, def iface.Definition) error {
	u := c.realmURL(RealmManagement, "interfaces", def.Name, strconv.Itoa(def.Major))
	return c.do(ctx, http.MethodPut, u, envelope{Data: def.Raw}, nil)
}
