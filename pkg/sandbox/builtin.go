package sandbox

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/helmrun/orchestrator/pkg/envelope"
)

// BuiltinRunner executes builtin (origin "builtin") plugins as WASI modules
// in-process rather than forking an OS process. It carries its own
// envelope-signing identity rather than borrowing a Host's, since an
// in-process WASI module has no secrets-dir to deliver a signing key
// through; request/response framing is still signed and replay-guarded, it
// just travels over stdin/stdout and an env var instead.
type BuiltinRunner struct {
	runtime   wazero.Runtime
	wasmBytes map[string][]byte // pluginID -> compiled module source

	signerID   string
	signerPub  ed25519.PublicKey
	signerPriv ed25519.PrivateKey
	keys       *envelope.KeyRegistry
	replay     *envelope.ReplayGuard
}

// NewBuiltinRunner instantiates a shared wazero runtime for builtin plugins.
func NewBuiltinRunner(ctx context.Context) (*BuiltinRunner, error) {
	r := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("generate builtin runner signing key: %w", err)
	}
	keys := envelope.NewKeyRegistry()
	const signerID = "sandbox-host-builtin"
	keys.Register(signerID, pub)

	return &BuiltinRunner{
		runtime:    r,
		wasmBytes:  make(map[string][]byte),
		signerID:   signerID,
		signerPub:  pub,
		signerPriv: priv,
		keys:       keys,
		replay:     envelope.NewReplayGuard(envelope.ReplayGuardConfig{}),
	}, nil
}

// Register associates a builtin plugin id with its compiled WASM bytes.
func (b *BuiltinRunner) Register(pluginID string, wasm []byte) {
	b.wasmBytes[pluginID] = wasm
}

// Execute runs a builtin plugin's module with the execute.request envelope
// signed and delivered on stdin, verifying the module's signed
// execute.response envelope on stdout.
func (b *BuiltinRunner) Execute(ctx context.Context, pluginID, action string, parameters map[string]any, stepID string) (*Result, error) {
	wasm, ok := b.wasmBytes[pluginID]
	if !ok {
		return nil, gearErr(ErrGearNotFound, "no builtin module registered for %q", pluginID)
	}

	invocationID := uuid.NewString()
	childSignerID := "plugin:" + pluginID + ":" + invocationID
	childPub, childPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, gearErr(ErrGearExecutionFailed, "generate session signing key: %v", err)
	}
	b.keys.Register(childSignerID, childPub)
	defer b.keys.Remove(childSignerID)

	payload, err := json.Marshal(executeRequestPayload{Action: action, Parameters: parameters, StepID: stepID})
	if err != nil {
		return nil, err
	}
	req := &envelope.Envelope{
		CorrelationID: invocationID,
		From:          b.signerID,
		To:            childSignerID,
		Type:          envelope.TypeExecuteRequest,
		Payload:       payload,
	}
	if _, err := envelope.Sign(req, b.signerID, b.signerPriv, uuid.NewString); err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	moduleConfig := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(reqBytes)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithEnv("GEAR_SESSION_SIGNING_KEY", hex.EncodeToString(childPriv)).
		WithName(pluginID)

	compiled, err := b.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, gearErr(ErrGearExecutionFailed, "compile builtin module: %v", err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	mod, err := b.runtime.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		if ctx.Err() != nil {
			return nil, gearErr(ErrGearTimeout, "builtin module exceeded deadline")
		}
		return nil, gearErr(ErrGearExecutionFailed, "instantiate builtin module: %v", err)
	}
	defer func() { _ = mod.Close(ctx) }()

	var resp envelope.Envelope
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, gearErr(ErrGearInvalid, "builtin module did not return a JSON envelope")
	}

	auth := invokeAuth{
		hostSignerID:  b.signerID,
		childSignerID: childSignerID,
		invocationID:  invocationID,
		keys:          b.keys,
		replay:        b.replay,
	}
	return decodeStepResponse(&resp, auth, action, nil)
}

func (b *BuiltinRunner) Close(ctx context.Context) error {
	return b.runtime.Close(ctx)
}
