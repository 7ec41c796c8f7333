// Package pluginregistry implements the plugin (Gear) registry: manifest
// validation (including the vulnerability scan), checksum bookkeeping,
// CRUD persistence over the plugins table, and an in-memory enabled-set
// cache kept as copy-on-write so planners and validators can read it
// lock-free concurrently with install/enable/disable/uninstall writers.
package pluginregistry

import (
	"bytes"
	"encoding/json"
	"errors"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Origin is the closed enumeration of where a plugin came from.
type Origin string

const (
	OriginBuiltin Origin = "builtin"
	OriginUser    Origin = "user"
	OriginJournal Origin = "journal"
)

// Action is one capability a plugin's manifest declares.
type Action struct {
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	ParametersSchema  json.RawMessage `json:"parametersSchema,omitempty"`
}

// FilesystemPermissions grants read/write glob allowances.
type FilesystemPermissions struct {
	Read  []string `json:"read,omitempty"`
	Write []string `json:"write,omitempty"`
}

// NetworkPermissions grants domain/protocol allowances.
type NetworkPermissions struct {
	Domains   []string `json:"domains,omitempty"`
	Protocols []string `json:"protocols,omitempty"`
}

// Permissions is the manifest's capability declaration.
type Permissions struct {
	Filesystem  *FilesystemPermissions `json:"filesystem,omitempty"`
	Network     *NetworkPermissions    `json:"network,omitempty"`
	Secrets     []string               `json:"secrets,omitempty"`
	Shell       bool                   `json:"shell,omitempty"`
	Environment []string               `json:"environment,omitempty"`
}

// Resources is the manifest's resource-limit declaration, with defaults
// (256 MiB / 50% / 300s) applied post-validation by ApplyResourceDefaults.
type Resources struct {
	MaxMemoryMb          int `json:"maxMemoryMb,omitempty"`
	MaxCpuPercent        int `json:"maxCpuPercent,omitempty"`
	TimeoutMs            int `json:"timeoutMs,omitempty"`
	MaxNetworkBytesPerCall int `json:"maxNetworkBytesPerCall,omitempty"`
}

const (
	DefaultMaxMemoryMb   = 256
	DefaultMaxCpuPercent = 50
	DefaultTimeoutMs     = 300_000
)

// ApplyResourceDefaults fills unset resource fields with the documented
// defaults.
func ApplyResourceDefaults(r *Resources) {
	if r.MaxMemoryMb == 0 {
		r.MaxMemoryMb = DefaultMaxMemoryMb
	}
	if r.MaxCpuPercent == 0 {
		r.MaxCpuPercent = DefaultMaxCpuPercent
	}
	if r.TimeoutMs == 0 {
		r.TimeoutMs = DefaultTimeoutMs
	}
}

// Manifest is the plugin manifest shape.
type Manifest struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Version     string      `json:"version"`
	Description string      `json:"description"`
	Author      string      `json:"author"`
	License     string      `json:"license"`
	Origin      Origin      `json:"origin"`
	Checksum    string      `json:"checksum"`
	Signature   string      `json:"signature,omitempty"`
	Draft       bool        `json:"draft,omitempty"`
	Actions     []Action    `json:"actions"`
	Permissions Permissions `json:"permissions"`
	Resources   *Resources  `json:"resources,omitempty"`
}

var idPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,63}$`)

var (
	ErrInvalidID      = errors.New("pluginregistry: id must be lowercase letters/digits/hyphen, letter-initial, <=64 chars")
	ErrInvalidVersion = errors.New("pluginregistry: version is not valid semver")
	ErrMissingFields  = errors.New("pluginregistry: manifest is missing required fields")
	ErrInvalidSchema  = errors.New("pluginregistry: action parametersSchema is not valid JSON Schema")
)

// ValidateStructure checks the structural manifest constraints the install
// flow enforces before the vulnerability scan.
func ValidateStructure(m Manifest) error {
	if !idPattern.MatchString(m.ID) {
		return ErrInvalidID
	}
	if m.Name == "" || m.Description == "" || m.Author == "" || m.License == "" {
		return ErrMissingFields
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return ErrInvalidVersion
	}
	switch m.Origin {
	case OriginBuiltin, OriginUser, OriginJournal:
	default:
		return ErrMissingFields
	}
	for _, a := range m.Actions {
		if a.Name == "" {
			return ErrMissingFields
		}
		if len(a.ParametersSchema) == 0 {
			continue
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(m.ID+"#"+a.Name, bytes.NewReader(a.ParametersSchema)); err != nil {
			return err
		}
		if _, err := compiler.Compile(m.ID + "#" + a.Name); err != nil {
			return errors.Join(ErrInvalidSchema, err)
		}
	}
	return nil
}
