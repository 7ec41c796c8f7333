// Package envelope implements the signed message envelope that every
// in-process component exchanges through the router: construction, Ed25519
// signing over a canonical JSON encoding, verification, and replay
// detection.
package envelope

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// MessageType is the closed set of envelope payload kinds the router will
// accept. Unknown values are refused at the schema-check middleware.
type MessageType string

const (
	TypePlanRequest     MessageType = "plan.request"
	TypePlanResponse    MessageType = "plan.response"
	TypeValidateRequest MessageType = "validate.request"
	TypeValidateResponse MessageType = "validate.response"
	TypeExecuteRequest  MessageType = "execute.request"
	TypeExecuteResponse MessageType = "execute.response"
	TypeStatusUpdate    MessageType = "status.update"
	TypeError           MessageType = "error"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypePlanRequest, TypePlanResponse, TypeValidateRequest, TypeValidateResponse,
		TypeExecuteRequest, TypeExecuteResponse, TypeStatusUpdate, TypeError:
		return true
	}
	return false
}

// Envelope is the signed inter-component wire format. Signature and Signer are
// populated by Sign and checked by Verify; they are not meant to be set by
// callers directly.
type Envelope struct {
	MessageID     string          `json:"messageId"`
	CorrelationID string          `json:"correlationId"`
	ReplyTo       string          `json:"replyTo,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Type          MessageType     `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	Signature     string          `json:"signature"`
	Signer        string          `json:"signer"`
}

var (
	ErrMissingField    = errors.New("envelope: missing required field")
	ErrUnknownType     = errors.New("envelope: unknown message type")
	ErrBadSignature    = errors.New("envelope: signature verification failed")
	ErrUnknownSigner   = errors.New("envelope: no public key registered for signer")
	ErrReplayed        = errors.New("envelope: message already seen or outside replay window")
)

// Validate checks the structural invariants that don't require
// a key lookup: required fields present, type known.
func (e *Envelope) Validate() error {
	if e.MessageID == "" || e.CorrelationID == "" || e.From == "" || e.To == "" || e.Signer == "" {
		return ErrMissingField
	}
	if e.Timestamp.IsZero() {
		return ErrMissingField
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return nil
}

// canonicalSigningInput builds the exact byte sequence that is signed:
// signer || "\n" || messageId || "\n" || timestamp (RFC3339 with ms) || "\n" || canonicalJSON(payload).
func canonicalSigningInput(signer, messageID string, ts time.Time, payload json.RawMessage) ([]byte, error) {
	canonicalPayload, err := canonicalizeJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	tsStr := ts.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	buf := make([]byte, 0, len(signer)+len(messageID)+len(tsStr)+len(canonicalPayload)+3)
	buf = append(buf, signer...)
	buf = append(buf, '\n')
	buf = append(buf, messageID...)
	buf = append(buf, '\n')
	buf = append(buf, tsStr...)
	buf = append(buf, '\n')
	buf = append(buf, canonicalPayload...)
	return buf, nil
}

// canonicalizeJSON applies RFC 8785 JSON Canonicalization (sorted keys, no
// insignificant whitespace, fixed number formatting) via gowebpki/jcs.
func canonicalizeJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	return jcs.Transform(raw)
}

// Sign fills in MessageID (if empty), Timestamp (if zero), Signer, and
// Signature on e, using priv as the signing key for signerID.
func Sign(e *Envelope, signerID string, priv ed25519.PrivateKey, newID func() string) (*Envelope, error) {
	if e.MessageID == "" {
		e.MessageID = newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Signer = signerID

	input, err := canonicalSigningInput(e.Signer, e.MessageID, e.Timestamp, e.Payload)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(priv, input)
	e.Signature = encodeSig(sig)
	return e, nil
}

// Verify checks the envelope's signature against the public key registered
// for e.Signer in keys.
func Verify(e *Envelope, keys *KeyRegistry) error {
	pub, ok := keys.Lookup(e.Signer)
	if !ok {
		return ErrUnknownSigner
	}
	input, err := canonicalSigningInput(e.Signer, e.MessageID, e.Timestamp, e.Payload)
	if err != nil {
		return err
	}
	sig, err := decodeSig(e.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ed25519.Verify(pub, input, sig) {
		return ErrBadSignature
	}
	return nil
}

// ContentHash returns the SHA-256 hash of the envelope's canonical signing
// input (signer, messageId, timestamp, payload).
func ContentHash(e *Envelope) ([32]byte, error) {
	input, err := canonicalSigningInput(e.Signer, e.MessageID, e.Timestamp, e.Payload)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(input), nil
}
