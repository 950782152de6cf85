// Package workflows holds the workflow definitions known to the runtime.
package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/rendis/cadenza/internal/validation"
	"github.com/rendis/cadenza/pkg/schema"
)

// Registry stores workflow definitions by id and version. It is safe for
// concurrent use.
type Registry struct {
	validator validation.Validator

	mu   sync.RWMutex
	defs map[string]map[string]*schema.WorkflowDefinition // id -> version -> def
}

// NewRegistry creates an empty registry. Definitions are validated with v on
// Register; a nil v accepts everything.
func NewRegistry(v validation.Validator) *Registry {
	return &Registry{validator: v, defs: make(map[string]map[string]*schema.WorkflowDefinition)}
}

// ParseRef splits an "id[:version]" reference.
func ParseRef(ref string) (id, version string) {
	id, version, _ = strings.Cut(ref, ":")
	return id, version
}

// Register validates def and adds it, replacing a definition with the same
// id and version.
func (r *Registry) Register(def *schema.WorkflowDefinition) error {
	if r.validator != nil {
		if err := r.validator.ValidateDefinition(def); err != nil {
			return err
		}
	} else if def == nil || def.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition needs an id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	versions, ok := r.defs[def.ID]
	if !ok {
		versions = make(map[string]*schema.WorkflowDefinition)
		r.defs[def.ID] = versions
	}
	versions[def.Version] = def
	return nil
}

// Get resolves "id[:version]". Without a version the latest one is returned.
func (r *Registry) Get(_ context.Context, ref string) (*schema.WorkflowDefinition, error) {
	id, version := ParseRef(ref)

	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.defs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	if version == "" {
		return latest(versions), nil
	}
	def, ok := versions[version]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q has no version %q", id, version)
	}
	return def, nil
}

// Latest returns the latest version of every workflow, ordered by id.
func (r *Registry) Latest() []*schema.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*schema.WorkflowDefinition, 0, len(r.defs))
	for _, versions := range r.defs {
		out = append(out, latest(versions))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// latest picks the highest semantic version. Versions that are not valid
// semver sort below valid ones, and among themselves lexically.
func latest(versions map[string]*schema.WorkflowDefinition) *schema.WorkflowDefinition {
	var best *schema.WorkflowDefinition
	for v, def := range versions {
		if best == nil || compareVersions(v, best.Version) > 0 {
			best = def
		}
	}
	return best
}

func compareVersions(a, b string) int {
	ca, cb := canonical(a), canonical(b)
	switch {
	case ca != "" && cb != "":
		return semver.Compare(ca, cb)
	case ca != "":
		return 1
	case cb != "":
		return -1
	default:
		return strings.Compare(a, b)
	}
}

func canonical(v string) string {
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}

// LoadDir registers every .yaml, .yml and .json file in dir. It returns the
// number of definitions registered and stops at the first invalid file.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read definitions dir: %w", err)
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		def, err := LoadFile(path)
		if err != nil {
			return n, err
		}
		if def == nil {
			continue
		}
		if err := r.Register(def); err != nil {
			return n, fmt.Errorf("register %s: %w", path, err)
		}
		n++
	}
	return n, nil
}

// LoadFile decodes a definition from a YAML or JSON file. Files with other
// extensions yield nil.
func LoadFile(path string) (*schema.WorkflowDefinition, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" && ext != ".json" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Decode(data, ext == ".json")
}

// Decode parses a definition from JSON or YAML.
func Decode(data []byte, isJSON bool) (*schema.WorkflowDefinition, error) {
	def := &schema.WorkflowDefinition{}
	var err error
	if isJSON {
		err = json.Unmarshal(data, def)
	} else {
		err = yaml.Unmarshal(data, def)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode workflow definition").WithCause(err)
	}
	return def, nil
}
