// Package sandbox hosts plugin executions: it forks a plugin's entry point
// into a confined child process, frames stdin/stdout as signed envelopes,
// injects secrets, and enforces timeouts and a per-plugin circuit breaker.
// Builtin plugins run in-process on a WASI runtime instead of a forked
// child; both paths share the same envelope framing and teardown rules.
package sandbox

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/helmrun/orchestrator/pkg/envelope"
)

// Error codes for execute.response.payload.error.
const (
	ErrGearNotFound        = "GEAR_NOT_FOUND"
	ErrGearExecutionFailed = "GEAR_EXECUTION_FAILED"
	ErrGearTimeout         = "GEAR_TIMEOUT"
	ErrGearInvalid         = "GEAR_INVALID"
	ErrGearError           = "GEAR_ERROR"
)

// GearError is the structured error returned by Execute, carrying one of the
// taxonomy codes above plus a human-readable detail.
type GearError struct {
	Code   string
	Detail string
}

func (e *GearError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Detail) }

func gearErr(code, format string, args ...any) *GearError {
	return &GearError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

var (
	ErrPluginDisabled = errors.New("sandbox: plugin is not installed or is disabled")
)

// SigningPolicy governs how a missing manifest.signature is treated.
type SigningPolicy string

const (
	SigningRequire SigningPolicy = "require"
	SigningWarn    SigningPolicy = "warn"
	SigningAllow   SigningPolicy = "allow"
)

// PluginView is the subset of the plugin registry the sandbox needs, kept
// narrow so the host doesn't import pluginregistry's install-time concerns.
type PluginView struct {
	ID             string
	Version        string
	Origin         string // "builtin" | "user" | ...
	EntryPoint     string
	Signature      string
	MaxMemoryMb    int
	MaxCpuPercent  int
	TimeoutMs      int
	SecretNames    []string // permissions.secrets
	Checksum       string   // getChecksum(pluginId) at install time
	PackagePath    string
}

// Registry is the narrow view of the plugin registry the host depends on.
type Registry interface {
	GetManifest(id string) (PluginView, bool)
	Disable(ctx context.Context, id string) error
}

// SecretSource is the narrow view of the vault the host depends on: it reads
// secrets by name for injection and never needs to write or list them.
type SecretSource interface {
	Retrieve(name, requestingPlugin string) ([]byte, error)
}

// SpawnGate lets the memory watchdog refuse new plugin sandboxes under
// pressure without the host knowing anything about memory levels directly.
type SpawnGate interface {
	AllowSpawn() bool
}

// Result is returned by Execute on success.
type Result struct {
	Payload map[string]any
	Logs    []string
}

// Progress is the shape of a progress line a child streams ahead of its
// response. Execute takes no progress callback: the messages of progress
// and log lines are collected into the returned Result's Logs.
type Progress struct {
	Percent float64
	Message string
}

// Option configures a Host at construction.
type Option func(*Host)

// WithSigningPolicy sets the signature enforcement mode (default warn).
func WithSigningPolicy(p SigningPolicy) Option {
	return func(h *Host) { h.signingPolicy = p }
}

// WithKillTimeout overrides GEAR_KILL_TIMEOUT_MS (default 5s).
func WithKillTimeout(d time.Duration) Option {
	return func(h *Host) { h.killTimeout = d }
}

// WithDefaultTimeout overrides the fallback resources.timeoutMs (default
// 300s).
func WithDefaultTimeout(d time.Duration) Option {
	return func(h *Host) { h.defaultTimeout = d }
}

// WithCircuitBreaker overrides the rolling-window failure policy
// (CIRCUIT_BREAKER_WINDOW_MS / CIRCUIT_BREAKER_FAILURES).
func WithCircuitBreaker(window time.Duration, failureThreshold int) Option {
	return func(h *Host) { h.breaker = newCircuitBreaker(window, failureThreshold) }
}

// WithSpawner overrides the process spawn strategy, used by tests to avoid
// forking real child processes.
func WithSpawner(s spawner) Option {
	return func(h *Host) { h.spawn = s }
}

// WithWorkspaceRoot sets the directory plugins see as WORKSPACE.
func WithWorkspaceRoot(path string) Option {
	return func(h *Host) { h.workspaceRoot = path }
}

// WithChecksumFn overrides how the installed package checksum is
// recomputed, used by tests.
func WithChecksumFn(fn func(packagePath string) (string, error)) Option {
	return func(h *Host) { h.checksumFn = fn }
}

// WithEphemeralSigner overrides the host's own signing identity (default:
// a freshly generated Ed25519 keypair under signer id "sandbox-host"),
// used to sign every outbound request envelope; tests may supply a fixed
// keypair for determinism.
func WithEphemeralSigner(pub ed25519.PublicKey, priv ed25519.PrivateKey) Option {
	return func(h *Host) { h.signerPub, h.signerPriv = pub, priv }
}

// WithReplayGuard overrides the replay window applied to inbound response
// envelopes.
func WithReplayGuard(g *envelope.ReplayGuard) Option {
	return func(h *Host) { h.replay = g }
}

// WithSpawnGate installs the spawn-refusal check consulted before every
// execution. Nil (the default) means spawns are never refused.
func WithSpawnGate(g SpawnGate) Option {
	return func(h *Host) { h.spawnGate = g }
}

// Host is the sandbox host.
type Host struct {
	registry      Registry
	secrets       SecretSource
	signingPolicy SigningPolicy
	killTimeout   time.Duration
	defaultTimeout time.Duration
	workspaceRoot string
	breaker       *circuitBreaker
	spawn         spawner
	spawnGate     SpawnGate
	checksumFn    func(packagePath string) (string, error)

	// signerID/signerPub/signerPriv are the host's own envelope-signing
	// identity: every execute.request envelope sent to a child is signed
	// under this identity. keys and replay back the per-invocation
	// ephemeral signer the child signs its response with, registered
	// before Invoke and unregistered on teardown.
	signerID   string
	signerPub  ed25519.PublicKey
	signerPriv ed25519.PrivateKey
	keys       *envelope.KeyRegistry
	replay     *envelope.ReplayGuard
}

// NewHost constructs a Host. registry and secrets must be non-nil; opts may
// override defaults and must supply WithSpawner in tests that don't want to
// fork real processes.
func NewHost(registry Registry, secrets SecretSource, opts ...Option) *Host {
	h := &Host{
		registry:       registry,
		secrets:        secrets,
		signingPolicy:  SigningWarn,
		killTimeout:    5 * time.Second,
		defaultTimeout: 300 * time.Second,
		breaker:        newCircuitBreaker(60*time.Second, 5),
		checksumFn:     checksumFile,
		signerID:       "sandbox-host",
		keys:           envelope.NewKeyRegistry(),
		replay:         envelope.NewReplayGuard(envelope.ReplayGuardConfig{}),
	}
	h.spawn = processSpawner{}
	for _, opt := range opts {
		opt(h)
	}
	if h.signerPub == nil || h.signerPriv == nil {
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			panic(fmt.Sprintf("sandbox: generate host signing key: %v", err))
		}
		h.signerPub, h.signerPriv = pub, priv
	}
	h.keys.Register(h.signerID, h.signerPub)
	return h
}

// Execute is the sandbox host's single public operation.
func (h *Host) Execute(ctx context.Context, pluginID, action string, parameters map[string]any, stepID string) (*Result, error) {
	if h.spawnGate != nil && !h.spawnGate.AllowSpawn() {
		return nil, gearErr(ErrGearError, "new plugin sandboxes refused under memory pressure")
	}

	plugin, ok := h.registry.GetManifest(pluginID)
	if !ok {
		return nil, gearErr(ErrGearNotFound, "plugin %q is not installed or is disabled", pluginID)
	}

	if h.breaker.isOpen(pluginID) {
		return nil, gearErr(ErrGearError, "circuit breaker open for plugin: %s", pluginID)
	}

	result, err := h.executeOnce(ctx, plugin, action, parameters, stepID)
	if err != nil {
		h.breaker.recordFailure(pluginID)
		return nil, err
	}
	h.breaker.recordSuccess(pluginID)
	return result, nil
}

// IsCircuitOpen exposes breaker state to the DAG executor.
func (h *Host) IsCircuitOpen(pluginID string) bool {
	return h.breaker.isOpen(pluginID)
}

func (h *Host) executeOnce(ctx context.Context, plugin PluginView, action string, parameters map[string]any, stepID string) (*Result, error) {
	// 1. Integrity.
	sum, err := h.checksumFn(plugin.PackagePath)
	if err != nil {
		return nil, gearErr(ErrGearExecutionFailed, "checksum recompute: %v", err)
	}
	if sum != plugin.Checksum {
		_ = h.registry.Disable(ctx, plugin.ID)
		return nil, gearErr(ErrGearExecutionFailed, "checksum mismatch")
	}

	// 2. Signing policy.
	if h.signingPolicy == SigningRequire && plugin.Signature == "" {
		return nil, gearErr(ErrGearExecutionFailed, "signature required but manifest is unsigned")
	}

	// 3-7. Spawn, inject secrets, frame, time out, tear down.
	session, err := h.spawn.Spawn(ctx, spawnSpec{
		plugin:        plugin,
		workspaceRoot: h.workspaceRoot,
	})
	if err != nil {
		return nil, gearErr(ErrGearExecutionFailed, "spawn: %v", err)
	}
	defer session.Teardown()

	// Ephemeral per-invocation signing key: the child signs its
	// execute.response envelope with this key, and the host verifies it
	// against the public half registered here. Registered before Invoke,
	// unregistered unconditionally on return.
	invocationID := uuid.NewString()
	childSignerID := "plugin:" + plugin.ID + ":" + invocationID
	childPub, childPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, gearErr(ErrGearExecutionFailed, "generate session signing key: %v", err)
	}
	h.keys.Register(childSignerID, childPub)
	defer h.keys.Remove(childSignerID)

	secrets := h.secretsFor(plugin)
	secrets[sessionSigningKeySecretName] = []byte(encodeSessionSigningKey(childPriv))
	if err := session.InjectSecrets(secrets); err != nil {
		return nil, gearErr(ErrGearExecutionFailed, "secrets injection: %v", err)
	}

	timeout := time.Duration(plugin.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = h.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	auth := invokeAuth{
		hostSignerID:  h.signerID,
		hostPriv:      h.signerPriv,
		childSignerID: childSignerID,
		invocationID:  invocationID,
		keys:          h.keys,
		replay:        h.replay,
	}
	resp, err := session.Invoke(runCtx, auth, action, parameters, stepID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			session.Kill(h.killTimeout)
			return nil, gearErr(ErrGearTimeout, "plugin %s exceeded %s", plugin.ID, timeout)
		}
		var ge *GearError
		if errors.As(err, &ge) {
			return nil, ge
		}
		return nil, gearErr(ErrGearError, "%v", err)
	}
	return resp, nil
}

func (h *Host) secretsFor(plugin PluginView) map[string][]byte {
	out := make(map[string][]byte, len(plugin.SecretNames))
	for _, name := range plugin.SecretNames {
		v, err := h.secrets.Retrieve(name, plugin.ID)
		if err != nil {
			continue
		}
		out[name] = v
	}
	return out
}
