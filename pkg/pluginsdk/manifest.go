// Package pluginsdk defines the plugin manifest, capability, and
// host<->worker wire-protocol types shared by the plugin loader, the
// sandbox host, and plugin authors.
package pluginsdk

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const ManifestFilename = "openstarry.plugin.json"

// SignatureAlgorithm names a supported plugin-integrity signature scheme.
type SignatureAlgorithm string

const (
	AlgorithmEd25519SHA256 SignatureAlgorithm = "ed25519-sha256"
	AlgorithmRSASHA256     SignatureAlgorithm = "rsa-sha256"
)

// Signature is the typed signature descriptor a manifest may carry.
type Signature struct {
	Algorithm       SignatureAlgorithm `json:"algorithm"`
	SignatureBase64 string             `json:"signature"`
	PublicKeyPEM    string             `json:"publicKeyPem"`
	Author          string             `json:"author,omitempty"`
	Timestamp       string             `json:"timestamp,omitempty"`
}

// Integrity is a plugin manifest's optional integrity descriptor: either a
// legacy SHA-512 hex digest, a typed signature, or both.
type Integrity struct {
	LegacySHA512Hex string     `json:"legacySha512,omitempty"`
	Signature       *Signature `json:"signature,omitempty"`
}

// RestartPolicy governs the sandbox host's crash-restart backoff for a
// plugin's worker.
type RestartPolicy struct {
	MaxRestarts  int `json:"maxRestarts"`
	BackoffMs    int `json:"backoffMs"`
	MaxBackoffMs int `json:"maxBackoffMs"`
	ResetWindowMs int `json:"resetWindowMs"`
}

// DefaultRestartPolicy returns the standard restart policy defaults (3/500ms/10s/60s).
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{MaxRestarts: 3, BackoffMs: 500, MaxBackoffMs: 10_000, ResetWindowMs: 60_000}
}

// AuditLogConfig configures the sandbox host's RPC audit log.
type AuditLogConfig struct {
	Enabled     bool   `json:"enabled"`
	Path        string `json:"path,omitempty"`
	MaxSizeMB   int    `json:"maxSizeMb,omitempty"`
}

// SandboxConfig is a plugin manifest's optional sandbox configuration.
type SandboxConfig struct {
	Enabled        bool           `json:"enabled"`
	MemoryCapMB    int            `json:"memoryCapMb,omitempty"`
	CPUStallMs     int            `json:"cpuStallMs,omitempty"`
	Restart        RestartPolicy  `json:"restart,omitempty"`
	ModuleAllow    []string       `json:"moduleAllow,omitempty"`
	ModuleDeny     []string       `json:"moduleDeny,omitempty"`
	Audit          AuditLogConfig `json:"audit,omitempty"`
}

// Capabilities is a plugin manifest's optional capability declarations: the
// set of registration kinds/targets the plugin is permitted to use, and an
// optional allow-list restricting which providers it may query.
type Capabilities struct {
	Declared         []string `json:"declared,omitempty"`
	AllowedProviders []string `json:"allowedProviders,omitempty"`
}

// Manifest describes a plugin: its name, version, integrity descriptor,
// sandbox configuration, capability declarations, and service dependencies.
type Manifest struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`

	Integrity *Integrity `json:"integrity,omitempty"`
	Sandbox   *SandboxConfig `json:"sandbox,omitempty"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`

	// Services names the service ids this plugin provides.
	Services []string `json:"services,omitempty"`
	// ServiceDependencies names service ids (not plugin names) this plugin
	// consumes; used by the loader's topological sort.
	ServiceDependencies []string `json:"serviceDependencies,omitempty"`

	ConfigSchema json.RawMessage `json:"configSchema,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

func DecodeManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &manifest, nil
}

func DecodeManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return DecodeManifest(data)
}

func (m *Manifest) Validate() error {
	if m == nil {
		return fmt.Errorf("manifest is nil")
	}
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("manifest name is required")
	}
	if strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("manifest version is required")
	}
	return nil
}

// SandboxEnabled reports whether the manifest opts into sandboxed loading.
func (m *Manifest) SandboxEnabled() bool {
	return m != nil && m.Sandbox != nil && m.Sandbox.Enabled
}
