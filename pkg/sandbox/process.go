package sandbox

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/helmrun/orchestrator/pkg/envelope"
)

// sessionSigningKeySecretName is the secret entry the host injects
// alongside a plugin's own declared secrets: the per-invocation Ed25519
// private key the child must sign its execute.response envelope with.
// Hex-encoded so it round-trips through the same write-then-zero path as
// every other injected secret.
const sessionSigningKeySecretName = "__gear_session_signing_key"

func encodeSessionSigningKey(priv ed25519.PrivateKey) string {
	return hex.EncodeToString(priv)
}

// invokeAuth carries the envelope-signing material one Invoke call needs:
// the host's own identity to sign the outbound request, and the ephemeral
// per-invocation key registry/replay guard to verify the child's signed
// response.
type invokeAuth struct {
	hostSignerID  string
	hostPriv      ed25519.PrivateKey
	childSignerID string
	invocationID  string
	keys          *envelope.KeyRegistry
	replay        *envelope.ReplayGuard
}

// spawnSpec carries what a spawner needs to fork a plugin's entry point.
type spawnSpec struct {
	plugin        PluginView
	workspaceRoot string
}

// session is a single running (or about to run) child process.
type session interface {
	// InjectSecrets writes each secret to secretsDir/<name> mode 0600 and
	// zeroes the source buffer.
	InjectSecrets(secrets map[string][]byte) error
	// Invoke sends the signed envelope request and waits for the signed
	// envelope response, verified and replay-guarded per auth.
	Invoke(ctx context.Context, auth invokeAuth, action string, parameters map[string]any, stepID string) (*Result, error)
	// Kill sends SIGTERM, waits the grace period, then SIGKILL.
	Kill(grace time.Duration)
	// Teardown always runs: zero+remove secrets dir, remove temp workdir,
	// unregister any ephemeral signing key.
	Teardown()
}

// spawner creates sessions; tests substitute a fake implementation via
// WithSpawner so Execute never forks a real process in unit tests.
type spawner interface {
	Spawn(ctx context.Context, spec spawnSpec) (session, error)
}

// processSpawner forks the plugin's entry point as a real OS process with
// a restricted environment and a unique temp working directory.
type processSpawner struct{}

func (processSpawner) Spawn(ctx context.Context, spec spawnSpec) (session, error) {
	workDir, err := os.MkdirTemp("", "gear-"+spec.plugin.ID+"-*")
	if err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}
	secretsDir, err := os.MkdirTemp("", "gear-secrets-"+spec.plugin.ID+"-*")
	if err != nil {
		_ = os.RemoveAll(workDir)
		return nil, fmt.Errorf("create secrets dir: %w", err)
	}

	if err := writePolicyFile(workDir, spec.plugin); err != nil {
		_ = os.RemoveAll(workDir)
		_ = os.RemoveAll(secretsDir)
		return nil, err
	}

	env := []string{
		"PATH=/usr/bin:/bin",
		"WORKSPACE=" + spec.workspaceRoot,
		"GEAR_PLUGIN_ID=" + spec.plugin.ID,
		"GEAR_PLUGIN_VERSION=" + spec.plugin.Version,
	}
	// Always set, even with no plugin-declared secrets: the host injects the
	// per-invocation signing key (sessionSigningKeySecretName) here too.
	env = append(env, "GEAR_SECRETS_DIR="+secretsDir)
	if spec.plugin.MaxMemoryMb > 0 {
		env = append(env, "GEAR_MAX_MEMORY_MB="+strconv.Itoa(spec.plugin.MaxMemoryMb))
	}

	cmd := exec.CommandContext(ctx, spec.plugin.EntryPoint)
	cmd.Env = env
	cmd.Dir = workDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = os.RemoveAll(workDir)
		_ = os.RemoveAll(secretsDir)
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = os.RemoveAll(workDir)
		_ = os.RemoveAll(secretsDir)
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(workDir)
		_ = os.RemoveAll(secretsDir)
		return nil, fmt.Errorf("start plugin process: %w", err)
	}

	return &processSession{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     bufio.NewReader(stdout),
		workDir:    workDir,
		secretsDir: secretsDir,
		plugin:     spec.plugin,
	}, nil
}

type processSession struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     *bufio.Reader
	workDir    string
	secretsDir string
	plugin     PluginView
}

func (s *processSession) InjectSecrets(secrets map[string][]byte) error {
	for name, value := range secrets {
		path := filepath.Join(s.secretsDir, name)
		if err := os.WriteFile(path, value, 0o600); err != nil {
			return fmt.Errorf("write secret %q: %w", name, err)
		}
		for i := range value {
			value[i] = 0
		}
	}
	return nil
}

// executeRequestPayload/executeResponsePayload are the execute.request and
// execute.response envelope payloads.
type executeRequestPayload struct {
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
	StepID     string         `json:"stepId"`
}

type executeResponsePayload struct {
	Payload map[string]any `json:"payload"`
	Error   *GearError     `json:"error,omitempty"`
}

// outOfBandLine is the unsigned progress/log framing, kept separate from
// the signed request/response envelopes: a child streams these
// ahead of its final signed execute.response.
type outOfBandLine struct {
	Type    string  `json:"type"`
	Percent float64 `json:"percent,omitempty"`
	Message string  `json:"message,omitempty"`
}

func (s *processSession) Invoke(ctx context.Context, auth invokeAuth, action string, parameters map[string]any, stepID string) (*Result, error) {
	payload, err := json.Marshal(executeRequestPayload{Action: action, Parameters: parameters, StepID: stepID})
	if err != nil {
		return nil, err
	}
	req := &envelope.Envelope{
		CorrelationID: auth.invocationID,
		From:          auth.hostSignerID,
		To:            auth.childSignerID,
		Type:          envelope.TypeExecuteRequest,
		Payload:       payload,
	}
	if _, err := envelope.Sign(req, auth.hostSignerID, auth.hostPriv, uuid.NewString); err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := s.stdin.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	type readResult struct {
		logs []string
		resp *envelope.Envelope
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		var logs []string
		for {
			raw, err := s.stdout.ReadBytes('\n')
			if err != nil {
				ch <- readResult{logs: logs, err: err}
				return
			}

			var oob outOfBandLine
			if err := json.Unmarshal(raw, &oob); err == nil && (oob.Type == "progress" || oob.Type == "log") {
				if oob.Message != "" {
					logs = append(logs, oob.Message)
				}
				continue
			}

			var resp envelope.Envelope
			if err := json.Unmarshal(raw, &resp); err != nil {
				continue
			}
			if resp.CorrelationID != auth.invocationID {
				continue
			}
			ch <- readResult{logs: logs, resp: &resp}
			return
		}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("read response: %w", r.err)
		}
		return decodeStepResponse(r.resp, auth, action, r.logs)
	}
}

// decodeStepResponse verifies a response envelope's signer, signature, and
// replay window before decoding its execute.response/error payload.
// Shared by the process and builtin (WASI) sessions.
func decodeStepResponse(resp *envelope.Envelope, auth invokeAuth, action string, logs []string) (*Result, error) {
	if resp.Signer != auth.childSignerID {
		return nil, gearErr(ErrGearInvalid, "response signed by %q, expected %q", resp.Signer, auth.childSignerID)
	}
	if err := envelope.Verify(resp, auth.keys); err != nil {
		return nil, gearErr(ErrGearInvalid, "response verification failed: %v", err)
	}
	if err := auth.replay.Check(resp.MessageID, resp.Timestamp); err != nil {
		return nil, gearErr(ErrGearInvalid, "response replay check failed: %v", err)
	}
	if resp.CorrelationID != auth.invocationID {
		return nil, gearErr(ErrGearInvalid, "response correlationId mismatch")
	}

	switch resp.Type {
	case envelope.TypeExecuteResponse, envelope.TypeError:
	default:
		return nil, gearErr(ErrGearInvalid, "child does not implement action %q", action)
	}

	var body executeResponsePayload
	if err := json.Unmarshal(resp.Payload, &body); err != nil {
		return nil, gearErr(ErrGearInvalid, "decode response payload: %v", err)
	}
	if body.Error != nil {
		return nil, body.Error
	}
	return &Result{Payload: body.Payload, Logs: logs}, nil
}

func (s *processSession) Kill(grace time.Duration) {
	if s.cmd.Process == nil {
		return
	}
	_ = s.cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() { _ = s.cmd.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(grace):
		_ = s.cmd.Process.Kill()
	}
}

func (s *processSession) Teardown() {
	_ = s.stdin.Close()
	zeroDir(s.secretsDir)
	_ = os.RemoveAll(s.secretsDir)
	_ = os.RemoveAll(s.workDir)
}

func zeroDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		for i := range data {
			data[i] = 0
		}
		_ = os.WriteFile(path, data, 0o600)
	}
}

// writePolicyFile documents the OS confinement policy alongside the
// workdir for audit: a Seatbelt profile stub on macOS,
// a seccomp profile descriptor on Linux, written regardless of whether the
// current OS enforces it.
func writePolicyFile(workDir string, plugin PluginView) error {
	policy := fmt.Sprintf("# sandbox policy for %s@%s\n# seccomp/seatbelt enforcement is OS-specific; this file documents\n# the intended confinement for audit.\ndeny-network: %v\nmax-memory-mb: %d\n",
		plugin.ID, plugin.Version, true, plugin.MaxMemoryMb)
	return os.WriteFile(filepath.Join(workDir, "sandbox.policy"), []byte(policy), 0o600)
}

func checksumFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
