// Package registry describes the record types messages can be attached to and
// what each of them supports. It is loaded from a YAML file.
package registry

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/vdavid/threadmail/internal/models"
	"gopkg.in/yaml.v3"
)

// Permission is a document-level permission.
type Permission string

const (
	PermRead   Permission = "read"
	PermWrite  Permission = "write"
	PermCreate Permission = "create"
	PermUnlink Permission = "unlink"
)

// AccessOverride lets a record type replace the default document access check.
// Returning handled=false falls back to the default check.
type AccessOverride func(actor models.Actor, resIDs []int64, perm Permission) (allowed bool, handled bool)

// Config is the registry file layout.
type Config struct {
	RecordTypes []TypeConfig    `yaml:"record_types"`
	Subtypes    []SubtypeConfig `yaml:"subtypes"`
}

// TypeConfig declares one record type.
type TypeConfig struct {
	Name                string         `yaml:"name"`
	Description         string         `yaml:"description"`
	CreateFromMessage   bool           `yaml:"create_from_message"`
	UpdateFromMessage   bool           `yaml:"update_from_message"`
	PostAccess          Permission     `yaml:"post_access"`
	DefaultSubtype      string         `yaml:"default_subtype"`
	EmailField          string         `yaml:"email_field"`
	NameField           string         `yaml:"name_field"`
	TrackedFields       []TrackedField `yaml:"tracked_fields"`
	AutoSubscribeFields []string       `yaml:"auto_subscribe_fields"`
}

// TrackedField is a field whose changes are logged in the thread.
type TrackedField struct {
	Name    string `yaml:"name"`
	Label   string `yaml:"label"`
	Subtype string `yaml:"subtype"`
}

// SubtypeConfig declares a record-specific subtype.
type SubtypeConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Internal    bool   `yaml:"internal"`
	Default     bool   `yaml:"default"`
	Model       string `yaml:"model"`
}

// RecordType is the capability surface of one record type, resolved once per route.
type RecordType struct {
	cfg      TypeConfig
	override AccessOverride
}

func (t *RecordType) Name() string                    { return t.cfg.Name }
func (t *RecordType) SupportsCreateFromMessage() bool { return t.cfg.CreateFromMessage }
func (t *RecordType) SupportsUpdateFromMessage() bool { return t.cfg.UpdateFromMessage }
func (t *RecordType) DefaultSubtype() string          { return t.cfg.DefaultSubtype }
func (t *RecordType) EmailField() string              { return t.cfg.EmailField }
func (t *RecordType) NameField() string               { return t.cfg.NameField }
func (t *RecordType) TrackedFields() []TrackedField   { return t.cfg.TrackedFields }
func (t *RecordType) AutoSubscribeFields() []string   { return t.cfg.AutoSubscribeFields }

// PostAccess is the document permission required to post on a record of this type.
func (t *RecordType) PostAccess() Permission { return t.cfg.PostAccess }

// AccessOverride returns the custom access check, if one was registered.
func (t *RecordType) AccessOverride() AccessOverride { return t.override }

// Registry is the set of known record types. It is read-only after loading.
type Registry struct {
	types    map[string]*RecordType
	subtypes []SubtypeConfig
}

// Load reads a registry file from path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Registry.
func Parse(data []byte) (*Registry, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("registry: parse: %w", err)
	}
	return New(cfg)
}

// New builds a registry from an already decoded config.
func New(cfg Config) (*Registry, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		types:    make(map[string]*RecordType, len(cfg.RecordTypes)),
		subtypes: cfg.Subtypes,
	}
	for _, tc := range cfg.RecordTypes {
		r.types[tc.Name] = &RecordType{cfg: tc}
	}
	return r, nil
}

func (c *Config) applyDefaults() {
	for i := range c.RecordTypes {
		rt := &c.RecordTypes[i]
		if rt.PostAccess == "" {
			rt.PostAccess = PermWrite
		}
		if rt.DefaultSubtype == "" {
			rt.DefaultSubtype = models.SubtypeDiscussion
		}
		if rt.NameField == "" {
			rt.NameField = "name"
		}
		for j := range rt.TrackedFields {
			if rt.TrackedFields[j].Label == "" {
				rt.TrackedFields[j].Label = rt.TrackedFields[j].Name
			}
		}
	}
}

func (c *Config) validate() error {
	var errs []string
	seen := make(map[string]bool)
	for i, rt := range c.RecordTypes {
		if strings.TrimSpace(rt.Name) == "" {
			errs = append(errs, fmt.Sprintf("record_types[%d]: name is required", i))
			continue
		}
		if seen[rt.Name] {
			errs = append(errs, fmt.Sprintf("record_types[%d]: duplicate name %q", i, rt.Name))
		}
		seen[rt.Name] = true
		switch rt.PostAccess {
		case PermRead, PermWrite:
		default:
			errs = append(errs, fmt.Sprintf("record_types[%d]: post_access must be read or write, got %q", i, rt.PostAccess))
		}
		for j, tf := range rt.TrackedFields {
			if tf.Name == "" {
				errs = append(errs, fmt.Sprintf("record_types[%d].tracked_fields[%d]: name is required", i, j))
			}
		}
	}
	for i, st := range c.Subtypes {
		if st.Name == "" {
			errs = append(errs, fmt.Sprintf("subtypes[%d]: name is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("registry: validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

// Get returns the record type with the given name.
func (r *Registry) Get(name string) (*RecordType, bool) {
	t, ok := r.types[name]
	return t, ok
}

// Names returns the registered type names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subtypes returns the record-specific subtypes declared in the file.
func (r *Registry) Subtypes() []SubtypeConfig {
	return r.subtypes
}

// RegisterAccessOverride installs a custom access check for a record type.
// It must be called before the registry is shared between goroutines.
func (r *Registry) RegisterAccessOverride(name string, fn AccessOverride) error {
	t, ok := r.types[name]
	if !ok {
		return fmt.Errorf("registry: unknown record type %q", name)
	}
	t.override = fn
	return nil
}
