package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/strataplane/warrant/pkg/contracts"
	"gopkg.in/yaml.v3"
)

// bundleSchema validates the shape of a policy bundle document before any
// typed decoding happens, so a malformed bundle is rejected with a precise
// path instead of a partial load.
const bundleSchema = `{
  "type": "object",
  "required": ["version", "name", "policies"],
  "properties": {
    "version": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "policies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["policy_id", "severity", "scope", "conditions"],
        "properties": {
          "policy_id": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "severity": {"enum": ["INFO", "WARNING", "BLOCKING"]},
          "applies_to_intent_types": {"type": "array", "items": {"type": "string"}},
          "scope": {
            "type": "object",
            "required": ["tenant_id"],
            "properties": {
              "tenant_id": {"type": "string", "minLength": 1},
              "target_entity_types": {"type": "array", "items": {"type": "string"}},
              "regions": {"type": "array", "items": {"type": "string"}}
            }
          },
          "conditions": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["type"],
              "properties": {
                "type": {"enum": ["MAX_COST", "MAX_RISK", "TIME_WINDOW", "REGION", "ENTITY_TYPE", "CEL_EXPR"]},
                "limit": {"type": "number"},
                "values": {"type": "array", "items": {"type": "string"}},
                "expression": {"type": "string"},
                "message": {"type": "string"},
                "window": {
                  "type": "object",
                  "required": ["start_hour", "end_hour"],
                  "properties": {
                    "start_hour": {"type": "integer", "minimum": 0, "maximum": 23},
                    "end_hour": {"type": "integer", "minimum": 1, "maximum": 24},
                    "days": {"type": "array", "items": {"type": "integer", "minimum": 0, "maximum": 6}}
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

// Bundle is a named, versioned collection of policy definitions loaded
// from disk.
type Bundle struct {
	Version  string                        `yaml:"version"`
	Name     string                        `yaml:"name"`
	Policies []*contracts.PolicyDefinition `yaml:"-"`
	LoadedAt time.Time                     `yaml:"-"`
}

// Loader loads YAML policy bundles from a directory, validates them
// against the bundle schema, and registers their policies on an evaluator.
type Loader struct {
	mu        sync.RWMutex
	bundles   map[string]*Bundle
	bundleDir string
	schema    *jsonschema.Schema
	evaluator *Evaluator
	onReload  func(bundle *Bundle)
	clock     func() time.Time
}

// NewLoader creates a loader watching the given directory and feeding the
// given evaluator.
func NewLoader(bundleDir string, evaluator *Evaluator) (*Loader, error) {
	schema, err := jsonschema.CompileString("policy-bundle.json", bundleSchema)
	if err != nil {
		return nil, fmt.Errorf("compile bundle schema: %w", err)
	}
	return &Loader{
		bundles:   make(map[string]*Bundle),
		bundleDir: bundleDir,
		schema:    schema,
		evaluator: evaluator,
		clock:     time.Now,
	}, nil
}

// OnReload registers a callback invoked when a bundle is loaded.
func (l *Loader) OnReload(fn func(bundle *Bundle)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReload = fn
}

// LoadAll loads every .yaml/.yml bundle file in the configured directory.
func (l *Loader) LoadAll() error {
	entries, err := os.ReadDir(l.bundleDir)
	if err != nil {
		return fmt.Errorf("read bundle dir %s: %w", l.bundleDir, err)
	}
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		if err := l.LoadFile(filepath.Join(l.bundleDir, entry.Name())); err != nil {
			return fmt.Errorf("load bundle %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// LoadFile loads, validates, and registers one bundle file.
func (l *Loader) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// Schema validation runs on the generic document first.
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if err := l.schema.Validate(doc); err != nil {
		return fmt.Errorf("bundle schema: %w", err)
	}

	var fileBundle struct {
		Version  string `yaml:"version"`
		Name     string `yaml:"name"`
		Policies []struct {
			PolicyID             string   `yaml:"policy_id"`
			Description          string   `yaml:"description"`
			Severity             string   `yaml:"severity"`
			AppliesToIntentTypes []string `yaml:"applies_to_intent_types"`
			Scope                struct {
				TenantID          string   `yaml:"tenant_id"`
				TargetEntityTypes []string `yaml:"target_entity_types"`
				Regions           []string `yaml:"regions"`
			} `yaml:"scope"`
			Conditions []struct {
				Type       string   `yaml:"type"`
				Limit      *float64 `yaml:"limit"`
				Values     []string `yaml:"values"`
				Expression string   `yaml:"expression"`
				Message    string   `yaml:"message"`
				Window     *struct {
					StartHour int   `yaml:"start_hour"`
					EndHour   int   `yaml:"end_hour"`
					Days      []int `yaml:"days"`
				} `yaml:"window"`
			} `yaml:"conditions"`
		} `yaml:"policies"`
	}
	if err := yaml.Unmarshal(raw, &fileBundle); err != nil {
		return fmt.Errorf("decode bundle: %w", err)
	}

	bundle := &Bundle{
		Version:  fileBundle.Version,
		Name:     fileBundle.Name,
		LoadedAt: l.clock(),
	}
	for _, p := range fileBundle.Policies {
		def := &contracts.PolicyDefinition{
			PolicyID:             p.PolicyID,
			Description:          p.Description,
			Severity:             contracts.PolicySeverity(p.Severity),
			AppliesToIntentTypes: p.AppliesToIntentTypes,
			Scope: contracts.PolicyScope{
				TenantID:          p.Scope.TenantID,
				TargetEntityTypes: p.Scope.TargetEntityTypes,
				Regions:           p.Scope.Regions,
			},
		}
		for _, c := range p.Conditions {
			cond := contracts.PolicyCondition{
				Type:       contracts.ConditionType(c.Type),
				Limit:      c.Limit,
				Values:     c.Values,
				Expression: c.Expression,
				Message:    c.Message,
			}
			if c.Window != nil {
				w := &contracts.TimeWindow{StartHour: c.Window.StartHour, EndHour: c.Window.EndHour}
				for _, d := range c.Window.Days {
					w.Days = append(w.Days, time.Weekday(d))
				}
				cond.Window = w
			}
			def.Conditions = append(def.Conditions, cond)
		}
		if err := l.evaluator.LoadPolicy(def); err != nil {
			return fmt.Errorf("register %s: %w", p.PolicyID, err)
		}
		bundle.Policies = append(bundle.Policies, def)
	}

	l.mu.Lock()
	l.bundles[bundle.Name] = bundle
	onReload := l.onReload
	l.mu.Unlock()

	if onReload != nil {
		onReload(bundle)
	}
	return nil
}

// Bundle returns a loaded bundle by name.
func (l *Loader) Bundle(name string) (*Bundle, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.bundles[name]
	return b, ok
}
