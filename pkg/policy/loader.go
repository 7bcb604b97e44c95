package policy

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Source supplies the active rule set at deliberation start. The
// coordinator snapshots the result; later bundle changes do not affect
// in-flight deliberations.
type Source interface {
	ListActiveRules() []Rule
}

// Bundle is a versioned rule set, typically one per industry vertical.
// Which bundle is loaded at start() is a configuration parameter.
type Bundle struct {
	Version string `json:"version" yaml:"version"`
	RuleSet string `json:"ruleset" yaml:"ruleset"`
	Rules   []Rule `json:"rules" yaml:"rules"`
}

// ListActiveRules implements Source.
func (b *Bundle) ListActiveRules() []Rule {
	out := make([]Rule, 0, len(b.Rules))
	for _, r := range b.Rules {
		if r.Active {
			out = append(out, r)
		}
	}
	return out
}

// bundleSchema constrains the bundle document shape before any rule is
// compiled. Schema violations reject the whole bundle.
const bundleSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "ruleset", "rules"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "ruleset": {"type": "string", "minLength": 1},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "category", "severity", "expr"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "category": {"type": "string"},
          "severity": {"enum": ["info", "warning", "critical", "block"]},
          "action": {"enum": ["allow", "notify", "escalate", "hold", "veto"]},
          "expr": {"type": "string", "minLength": 1},
          "message": {"type": "string"},
          "active": {"type": "boolean"}
        }
      }
    }
  }
}`

// supportedBundles is the version range this engine accepts.
var supportedBundles = mustConstraint("^1.0.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Loader validates and compiles rule bundles.
type Loader struct {
	gate   *Gate
	schema *jsonschema.Schema
}

// NewLoader creates a loader that compile-checks expressions against gate's
// CEL environment.
func NewLoader(gate *Gate) (*Loader, error) {
	schema, err := jsonschema.CompileString("bundle.schema.json", bundleSchema)
	if err != nil {
		return nil, fmt.Errorf("policy: compile bundle schema: %w", err)
	}
	return &Loader{gate: gate, schema: schema}, nil
}

// Load parses, validates, and compile-checks a YAML rule bundle.
func (l *Loader) Load(data []byte) (*Bundle, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("policy: parse bundle: %w", err)
	}

	// jsonschema wants JSON-shaped values; round-trip through encoding/json.
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("policy: normalize bundle: %w", err)
	}
	var doc any
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return nil, fmt.Errorf("policy: normalize bundle: %w", err)
	}
	if err := l.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("policy: bundle schema: %w", err)
	}

	var bundle Bundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("policy: decode bundle: %w", err)
	}

	version, err := semver.NewVersion(bundle.Version)
	if err != nil {
		return nil, fmt.Errorf("policy: bundle version %q: %w", bundle.Version, err)
	}
	if !supportedBundles.Check(version) {
		return nil, fmt.Errorf("policy: bundle version %s outside supported range %s", version, supportedBundles)
	}

	seen := make(map[string]bool, len(bundle.Rules))
	for _, r := range bundle.Rules {
		if seen[r.ID] {
			return nil, fmt.Errorf("policy: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		if err := l.gate.Compile(r.Expr); err != nil {
			return nil, fmt.Errorf("policy: rule %s: %w", r.ID, err)
		}
	}

	return &bundle, nil
}

// LoadFile loads a bundle from disk.
func (l *Loader) LoadFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read bundle: %w", err)
	}
	return l.Load(data)
}
