package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Spec is the mutable, serializable description of a policy. It is only a
// construction input; executions read the immutable Policy built from it.
type Spec struct {
	AllowedModules   []string      `yaml:"allowed_modules" json:"allowed_modules"`
	DeniedCalls      []string      `yaml:"denied_calls" json:"denied_calls"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	MaxMemoryBytes   int64         `yaml:"max_memory_bytes" json:"max_memory_bytes"`
	MaxOutputBytes   int           `yaml:"max_output_bytes" json:"max_output_bytes"`
	MaxArtifacts     int           `yaml:"max_artifacts" json:"max_artifacts"`
	MaxArtifactBytes int           `yaml:"max_artifact_bytes" json:"max_artifact_bytes"`
	MaxScriptBytes   int           `yaml:"max_script_bytes" json:"max_script_bytes"`
}

// Policy is the immutable execution policy. The zero value is not usable;
// build one with New, Default or LoadFile.
type Policy struct {
	allowedModules   map[string]struct{}
	deniedCalls      map[string]struct{}
	timeout          time.Duration
	maxMemoryBytes   int64
	maxOutputBytes   int
	maxArtifacts     int
	maxArtifactBytes int
	maxScriptBytes   int
}

// ErrInvalid is returned (wrapped) when a Spec fails validation.
var ErrInvalid = errors.New("policy: invalid")

// New validates spec and returns the immutable Policy built from it.
func New(spec Spec) (*Policy, error) {
	if err := spec.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	p := &Policy{
		allowedModules:   toSet(spec.AllowedModules),
		deniedCalls:      toSet(spec.DeniedCalls),
		timeout:          spec.Timeout,
		maxMemoryBytes:   spec.MaxMemoryBytes,
		maxOutputBytes:   spec.MaxOutputBytes,
		maxArtifacts:     spec.MaxArtifacts,
		maxArtifactBytes: spec.MaxArtifactBytes,
		maxScriptBytes:   spec.MaxScriptBytes,
	}

	return p, nil
}

func (s Spec) validate() error {
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got: %s", s.Timeout)
	}
	if s.MaxMemoryBytes <= 0 {
		return fmt.Errorf("max_memory_bytes must be positive, got: %d", s.MaxMemoryBytes)
	}
	if s.MaxOutputBytes <= 0 {
		return fmt.Errorf("max_output_bytes must be positive, got: %d", s.MaxOutputBytes)
	}
	if s.MaxArtifacts < 0 {
		return fmt.Errorf("max_artifacts must not be negative, got: %d", s.MaxArtifacts)
	}
	if s.MaxArtifactBytes <= 0 {
		return fmt.Errorf("max_artifact_bytes must be positive, got: %d", s.MaxArtifactBytes)
	}
	if s.MaxScriptBytes <= 0 {
		return fmt.Errorf("max_script_bytes must be positive, got: %d", s.MaxScriptBytes)
	}

	for _, name := range s.AllowedModules {
		if strings.TrimSpace(name) == "" || name != strings.TrimSpace(name) {
			return fmt.Errorf("invalid module name %q", name)
		}
		if strings.ContainsAny(name, "*?/\\") {
			return fmt.Errorf("module name %q must be an exact name, not a pattern or path", name)
		}
	}
	for _, name := range s.DeniedCalls {
		if strings.TrimSpace(name) == "" {
			return errors.New("denied_calls contains an empty name")
		}
	}

	return nil
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AllowsModule reports whether require(name) is permitted.
func (p *Policy) AllowsModule(name string) bool {
	_, ok := p.allowedModules[name]
	return ok
}

// DeniesCall reports whether name is a denied callable.
func (p *Policy) DeniesCall(name string) bool {
	_, ok := p.deniedCalls[name]
	return ok
}

// AllowedModules returns a sorted copy of the module allow-list.
func (p *Policy) AllowedModules() []string { return sortedKeys(p.allowedModules) }

// DeniedCalls returns a sorted copy of the callable deny-list.
func (p *Policy) DeniedCalls() []string { return sortedKeys(p.deniedCalls) }

// Timeout is the wall-clock ceiling for one execution.
func (p *Policy) Timeout() time.Duration { return p.timeout }

// MaxMemoryBytes is the resident memory ceiling of one worker.
func (p *Policy) MaxMemoryBytes() int64 { return p.maxMemoryBytes }

// MaxOutputBytes caps printed text and, separately, the serialized results.
func (p *Policy) MaxOutputBytes() int { return p.maxOutputBytes }

// MaxArtifacts caps the number of chart images one execution may produce.
func (p *Policy) MaxArtifacts() int { return p.maxArtifacts }

// MaxArtifactBytes caps the encoded size of a single chart image.
func (p *Policy) MaxArtifactBytes() int { return p.maxArtifactBytes }

// MaxScriptBytes caps the size of the script source accepted for validation.
func (p *Policy) MaxScriptBytes() int { return p.maxScriptBytes }

// Spec returns a copy of the specification this policy was built from.
func (p *Policy) Spec() Spec {
	return Spec{
		AllowedModules:   p.AllowedModules(),
		DeniedCalls:      p.DeniedCalls(),
		Timeout:          p.timeout,
		MaxMemoryBytes:   p.maxMemoryBytes,
		MaxOutputBytes:   p.maxOutputBytes,
		MaxArtifacts:     p.maxArtifacts,
		MaxArtifactBytes: p.maxArtifactBytes,
		MaxScriptBytes:   p.maxScriptBytes,
	}
}
