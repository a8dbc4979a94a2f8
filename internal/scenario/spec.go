// Package scenario defines the scenario catalog and renders per-run configuration.
package scenario

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"devicecheck/internal/identity"
)

// Mode selects how a scenario program is obtained before it runs.
type Mode string

const (
	// Prebuilt runs an artifact compiled ahead of the timed window.
	Prebuilt Mode = "prebuilt"
	// Build compiles the program with its features and then runs it.
	Build Mode = "build"
)

// Spec describes one scenario program.
type Spec struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description,omitempty"`
	Example     string        `yaml:"example,omitempty"`
	Credential  identity.Kind `yaml:"credential"`
	Features    []string      `yaml:"features,omitempty"`
	Args        []string      `yaml:"args,omitempty"`
	Mode        Mode          `yaml:"mode,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	// Bounded scenarios stream until told to stop and accept --iterations.
	Bounded bool `yaml:"bounded,omitempty"`
}

// Program returns the name of the program to execute.
func (s Spec) Program() string {
	if s.Example != "" {
		return s.Example
	}
	return s.Name
}

// Validate checks the fields the runner relies on.
func (s Spec) Validate() error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if !s.Credential.Valid() {
		errs = append(errs, fmt.Errorf("credential must be %q or %q, got %q", identity.PairingToken, identity.CredentialsSecret, s.Credential))
	}
	if s.Mode != Prebuilt && s.Mode != Build {
		errs = append(errs, fmt.Errorf("mode must be %q or %q, got %q", Prebuilt, Build, s.Mode))
	}
	if s.Timeout < 0 {
		errs = append(errs, errors.New("timeout cannot be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("scenario %q: %w", s.Name, err)
	}
	return nil
}

// Catalog returns the built-in scenarios in run order.
func Catalog() []Spec {
	return []Spec{
		{
			Name:        "registration",
			Description: "Registers a new device with a pairing token and connects",
			Credential:  identity.PairingToken,
			Mode:        Build,
		},
		// Runs without debug assertions in the SDK: retention ids are not unique
		// across retries yet. Features and args are passed through unchanged.
		{
			Name:        "retention",
			Description: "Publishes while disconnected and checks stored data is delivered",
			Credential:  identity.CredentialsSecret,
			Mode:        Build,
			Bounded:     true,
		},
		{
			Name:        "individual_datastream",
			Description: "Streams individual datastream values",
			Credential:  identity.CredentialsSecret,
			Mode:        Prebuilt,
			Bounded:     true,
		},
		{
			Name:        "object_datastream",
			Description: "Streams object aggregated datastream values",
			Credential:  identity.CredentialsSecret,
			Mode:        Prebuilt,
			Bounded:     true,
		},
		{
			Name:        "individual_properties",
			Description: "Sets and unsets device properties",
			Credential:  identity.CredentialsSecret,
			Mode:        Prebuilt,
		},
	}
}

type catalogFile struct {
	Scenarios []Spec `yaml:"scenarios"`
}

// LoadCatalog reads a YAML catalog replacing the built-in one. Missing modes
// default to prebuilt.
func LoadCatalog(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse scenario catalog %s: %w", path, err)
	}
	if len(f.Scenarios) == 0 {
		return nil, fmt.Errorf("scenario catalog %s is empty", path)
	}

	seen := make(map[string]bool, len(f.Scenarios))
	for i := range f.Scenarios {
		s := &f.Scenarios[i]
		if s.Mode == "" {
			s.Mode = Prebuilt
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate scenario %q in %s", s.Name, path)
		}
		seen[s.Name] = true
	}
	return f.Scenarios, nil
}

// Filter keeps the named scenarios, preserving catalog order. An empty
// selection keeps everything.
func Filter(specs []Spec, only []string) ([]Spec, error) {
	if len(only) == 0 {
		return specs, nil
	}
	want := make(map[string]bool, len(only))
	for _, n := range only {
		want[n] = true
	}
	var out []Spec
	for _, s := range specs {
		if want[s.Name] {
			out = append(out, s)
			delete(want, s.Name)
		}
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for n := range want {
			missing = append(missing, n)
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("unknown scenario(s): %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Overrides are run-wide settings applied on top of the catalog.
type Overrides struct {
	Iterations int
	Timeout    time.Duration
}

// Apply returns copies of specs with the overrides applied. Bounded scenarios
// get --iterations when Iterations is set and scenarios without their own
// timeout get Timeout.
func Apply(specs []Spec, o Overrides) []Spec {
	out := make([]Spec, len(specs))
	for i, s := range specs {
		s.Features = append([]string(nil), s.Features...)
		s.Args = append([]string(nil), s.Args...)
		if s.Bounded && o.Iterations > 0 {
			s.Args = append(s.Args, "--iterations", strconv.Itoa(o.Iterations))
		}
		if s.Timeout == 0 {
			s.Timeout = o.Timeout
		}
		out[i] = s
	}
	return out
}
