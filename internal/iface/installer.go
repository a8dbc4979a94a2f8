package iface

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// ErrNotFound is returned by a Registry for an interface it does not know.
var ErrNotFound = errors.New("interface not found")

// Registry is the backend's interface store.
type Registry interface {
	ListInterfaces(ctx context.Context) ([]string, error)
	InterfaceVersions(ctx context.Context, name string) ([]int, error)
	GetInterface(ctx context.Context, name string, major int) (Definition, error)
	CreateInterface(ctx context.Context, def Definition) error
	UpdateInterface(ctx context.Context, def Definition) error
}

// Action is what the installer did with one definition.
type Action string

const (
	Created   Action = "created"
	Updated   Action = "updated"
	Unchanged Action = "unchanged"
)

// InstallError reports a failed install. It aborts the whole run.
type InstallError struct {
	Interface string
	Err       error
}

func (e *InstallError) Error() string {
	if e.Interface == "" {
		return fmt.Sprintf("interface install failed: %v", e.Err)
	}
	return fmt.Sprintf("interface install failed for %s: %v", e.Interface, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// Summary counts the actions taken by Install.
type Summary struct {
	Created   []string
	Updated   []string
	Unchanged []string
}

// Total returns the number of definitions handled.
func (s Summary) Total() int {
	return len(s.Created) + len(s.Updated) + len(s.Unchanged)
}

// Installer syncs definitions into a Registry.
type Installer struct {
	Registry Registry

	// Observe is called once per synced definition when set.
	Observe func(action Action)
}

// Install loads the definitions under paths and syncs them. Missing interfaces
// are created, a newer minor version updates the installed one and an equal
// version is left alone, so repeated calls succeed and change nothing.
func (in *Installer) Install(ctx context.Context, paths []string) (Summary, error) {
	defs, err := Load(paths)
	if err != nil {
		return Summary{}, &InstallError{Err: err}
	}
	return in.Sync(ctx, defs)
}

// Sync installs already loaded definitions.
func (in *Installer) Sync(ctx context.Context, defs []Definition) (Summary, error) {
	var sum Summary

	installed, err := in.Registry.ListInterfaces(ctx)
	if err != nil {
		return sum, &InstallError{Err: fmt.Errorf("listing interfaces: %w", err)}
	}

	for _, def := range defs {
		if err := ctx.Err(); err != nil {
			return sum, &InstallError{Interface: def.String(), Err: err}
		}

		action, err := in.sync(ctx, def, slices.Contains(installed, def.Name))
		if err != nil {
			return sum, &InstallError{Interface: def.String(), Err: err}
		}
		slog.Info("Interface synced", "interface", def.String(), "action", action)
		if in.Observe != nil {
			in.Observe(action)
		}

		switch action {
		case Created:
			sum.Created = append(sum.Created, def.String())
		case Updated:
			sum.Updated = append(sum.Updated, def.String())
		default:
			sum.Unchanged = append(sum.Unchanged, def.String())
		}
	}
	return sum, nil
}

func (in *Installer) sync(ctx context.Context, def Definition, known bool) (Action, error) {
	if !known {
		return Created, in.Registry.CreateInterface(ctx, def)
	}

	majors, err := in.Registry.InterfaceVersions(ctx, def.Name)
	if err != nil {
		return "", fmt.Errorf("listing versions: %w", err)
	}
	if !slices.Contains(majors, def.Major) {
		return Created, in.Registry.CreateInterface(ctx, def)
	}

	current, err := in.Registry.GetInterface(ctx, def.Name, def.Major)
	if err != nil {
		return "", fmt.Errorf("fetching installed version: %w", err)
	}
	switch {
	case current.Minor == def.Minor:
		return Unchanged, nil
	case current.Minor < def.Minor:
		return Updated, in.Registry.UpdateInterface(ctx, def)
	default:
		return "", fmt.Errorf("installed minor version %d is newer than %d", current.Minor, def.Minor)
	}
}
