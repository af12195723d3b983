package policy

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default_policy.yaml
var defaultPolicyYAML []byte

// Parse decodes a YAML policy document. Unknown keys are rejected so that a
// misspelled limit cannot silently fall back to zero.
func Parse(data []byte) (Spec, error) {
	var spec Spec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return Spec{}, fmt.Errorf("failed to decode policy: %w", err)
	}
	return spec, nil
}

// DefaultSpec returns the specification of the embedded default policy.
func DefaultSpec() Spec {
	spec, err := Parse(defaultPolicyYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded default policy is invalid: %v", err))
	}
	return spec
}

// Default returns the embedded default policy.
func Default() *Policy {
	p, err := New(DefaultSpec())
	if err != nil {
		panic(fmt.Sprintf("embedded default policy is invalid: %v", err))
	}
	return p
}

// LoadSpec reads a policy specification from path. An empty path yields the
// embedded default.
func LoadSpec(path string) (Spec, error) {
	if path == "" {
		return DefaultSpec(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Parse(data)
}

// LoadFile reads and validates the policy at path.
func LoadFile(path string) (*Policy, error) {
	spec, err := LoadSpec(path)
	if err != nil {
		return nil, err
	}
	return New(spec)
}
