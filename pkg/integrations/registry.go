package integrations

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/fern/pkg/breaker"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/models"
)

//go:embed integrations.yaml
var defaultRegistry []byte

// Registry is the ordered set of known integrations
type Registry struct {
	Version      string        `yaml:"version"`
	Integrations []Integration `yaml:"integrations"`

	index map[string]int
}

// Default returns the registry embedded in the binary
func Default() (*Registry, error) {
	return Parse(defaultRegistry)
}

// Load reads a registry file. An empty path returns the embedded registry.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read integrations file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a registry document. Unknown keys are rejected.
func Parse(data []byte) (*Registry, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var r Registry
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("failed to parse integrations: %w", err)
	}
	if err := r.init(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Registry) init() error {
	evaluator := expressions.NewEvaluator()
	r.index = make(map[string]int, len(r.Integrations))

	for idx := range r.Integrations {
		in := &r.Integrations[idx]
		if in.Name == "" {
			return fmt.Errorf("integration %d has no name", idx)
		}
		if _, dup := r.index[in.Name]; dup {
			return fmt.Errorf("integration %s is declared twice", in.Name)
		}

		switch in.Criticality {
		case "":
			in.Criticality = Auxiliary
		case Critical, Auxiliary:
		default:
			return fmt.Errorf("integration %s: unknown criticality %q", in.Name, in.Criticality)
		}

		switch in.Probe {
		case "":
			in.Probe = ProbeActive
		case ProbeActive, ProbePassive:
		default:
			return fmt.Errorf("integration %s: unknown probe policy %q", in.Name, in.Probe)
		}

		if len(in.RequiredFields) == 0 {
			return fmt.Errorf("integration %s: required_fields is empty", in.Name)
		}
		if in.HTTP != nil {
			if err := in.HTTP.Validate(evaluator); err != nil {
				return fmt.Errorf("integration %s: %w", in.Name, err)
			}
		}

		r.index[in.Name] = idx
	}
	return nil
}

// Lookup returns the named integration
func (r *Registry) Lookup(name string) (Integration, bool) {
	idx, ok := r.index[name]
	if !ok {
		return Integration{}, false
	}
	return r.Integrations[idx], true
}

// All returns every integration in declaration order
func (r *Registry) All() []Integration {
	return append([]Integration(nil), r.Integrations...)
}

// Critical returns the integrations checked serially
func (r *Registry) Critical() []Integration {
	return r.filter(func(in Integration) bool { return in.IsCritical() })
}

// Simple returns the integrations checked in parallel
func (r *Registry) Simple() []Integration {
	return r.filter(func(in Integration) bool { return !in.IsCritical() })
}

func (r *Registry) filter(keep func(Integration) bool) []Integration {
	var out []Integration
	for _, in := range r.Integrations {
		if keep(in) {
			out = append(out, in)
		}
	}
	return out
}

// Capabilities returns the sorted set of capability names the registry declares
func (r *Registry) Capabilities() []string {
	seen := map[string]bool{}
	var names []string
	for _, in := range r.Integrations {
		if in.Capability != "" && !seen[in.Capability] {
			seen[in.Capability] = true
			names = append(names, in.Capability)
		}
	}
	sort.Strings(names)
	return names
}

// BreakerOptions returns a registry override for every integration with its own thresholds
func (r *Registry) BreakerOptions() []breaker.RegistryOption {
	var opts []breaker.RegistryOption
	for _, in := range r.Integrations {
		if in.Breaker != nil {
			opts = append(opts, breaker.WithOverride(in.Name, *in.Breaker))
		}
	}
	return opts
}

// Keys returns the status keys of every integration for a tenant in one environment
func (r *Registry) Keys(tenantID string, environment models.Environment) []models.StatusKey {
	keys := make([]models.StatusKey, 0, len(r.Integrations))
	for _, in := range r.Integrations {
		keys = append(keys, models.StatusKey{TenantID: tenantID, Integration: in.Name, Environment: environment})
	}
	return keys
}
