// Package iface loads data model interface definitions and installs them in
// the backend registry.
package iface

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

// Definition is one interface definition file.
type Definition struct {
	Name  string
	Major int
	Minor int
	Path  string
	// Raw is the document as read from disk, sent to the backend unchanged.
	Raw json.RawMessage
}

// String returns name:major.minor.
func (d Definition) String() string {
	return fmt.Sprintf("%s:%d.%d", d.Name, d.Major, d.Minor)
}

const definitionSchema = `{
  "type": "object",
  "required": ["interface_name", "version_major", "version_minor", "type", "ownership", "mappings"],
  "properties": {
    "interface_name": {"type": "string", "minLength": 1, "maxLength": 128,
      "pattern": "^([a-zA-Z][a-zA-Z0-9]*\\.([a-zA-Z0-9][a-zA-Z0-9-]*\\.)*)?[a-zA-Z][a-zA-Z0-9]*$"},
    "version_major": {"type": "integer", "minimum": 0},
    "version_minor": {"type": "integer", "minimum": 0},
    "type": {"enum": ["datastream", "properties"]},
    "ownership": {"enum": ["device", "server"]},
    "aggregation": {"enum": ["individual", "object"]},
    "description": {"type": "string"},
    "doc": {"type": "string"},
    "mappings": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["endpoint", "type"],
        "properties": {
          "endpoint": {"type": "string", "minLength": 2, "pattern": "^/"},
          "type": {"enum": [
            "double", "integer", "boolean", "longinteger", "string", "binaryblob", "datetime",
            "doublearray", "integerarray", "booleanarray", "longintegerarray", "stringarray",
            "binaryblobarray", "datetimearray"
          ]},
          "reliability": {"enum": ["unreliable", "guaranteed", "unique"]},
          "retention": {"enum": ["discard", "volatile", "stored"]},
          "expiry": {"type": "integer", "minimum": 0},
          "database_retention_policy": {"enum": ["no_ttl", "use_ttl"]},
          "database_retention_ttl": {"type": "integer", "minimum": 60},
          "allow_unset": {"type": "boolean"},
          "explicit_timestamp": {"type": "boolean"}
        }
      }
    }
  }
}`

var (
	compileOnce sync.Once
	compiled    *gojsonschema.Schema
	compileErr  error
)

func schema() (*gojsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled, compileErr = gojsonschema.NewSchemaLoader().Compile(gojsonschema.NewStringLoader(definitionSchema))
	})
	return compiled, compileErr
}

// Parse validates data and returns the definition it describes.
func Parse(path string, data []byte) (Definition, error) {
	s, err := schema()
	if err != nil {
		return Definition{}, fmt.Errorf("cannot compile interface schema: %w", err)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return Definition{}, fmt.Errorf("%s: invalid JSON: %w", path, err)
	}
	if !result.Valid() {
		var b strings.Builder
		fmt.Fprintf(&b, "%s: the document is not a valid interface:", path)
		for _, e := range result.Errors() {
			fmt.Fprintf(&b, "\n- %s", e)
		}
		return Definition{}, errors.New(b.String())
	}

	var head struct {
		Name  string `json:"interface_name"`
		Major int    `json:"version_major"`
		Minor int    `json:"version_minor"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Definition{}, fmt.Errorf("%s: %w", path, err)
	}
	if head.Major == 0 && head.Minor == 0 {
		return Definition{}, fmt.Errorf("%s: version 0.0 is not allowed", path)
	}

	return Definition{
		Name:  head.Name,
		Major: head.Major,
		Minor: head.Minor,
		Path:  path,
		Raw:   json.RawMessage(data),
	}, nil
}

// Load reads every definition under paths. Directories contribute their
// *.json files. The result is sorted by name and major version.
func Load(paths []string) ([]Definition, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(p, "*.json"))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no interface definitions found in %s", strings.Join(paths, ", "))
	}

	defs := make([]Definition, 0, len(files))
	seen := make(map[string]string)
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		d, err := Parse(f, data)
		if err != nil {
			return nil, err
		}
		key := fmt.Sprintf("%s:%d", d.Name, d.Major)
		if prev, ok := seen[key]; ok {
			return nil, fmt.Errorf("interface %s defined twice: %s and %s", key, prev, f)
		}
		seen[key] = f
		defs = append(defs, d)
	}

	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Name != defs[j].Name {
			return defs[i].Name < defs[j].Name
		}
		return defs[i].Major < defs[j].Major
	})
	return defs, nil
}
