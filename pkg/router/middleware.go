package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/helmrun/orchestrator/pkg/envelope"
)

// Middleware wraps a Handler. The router runs the built-in chain in a
// fixed order in front of whichever component handler the envelope
// addresses.
type Middleware func(next Handler) Handler

// Option configures a Router at construction.
type Option func(*Router)

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

func WithMaxMessageSize(bytes int) Option {
	return func(r *Router) { r.maxMessageSize = bytes }
}

func WithWarnMessageSize(bytes int) Option {
	return func(r *Router) { r.warnMessageSize = bytes }
}

func WithTrustedSigners(ids ...string) Option {
	return func(r *Router) {
		for _, id := range ids {
			r.trustedSigners[id] = true
		}
	}
}

func WithKeyRegistry(keys *envelope.KeyRegistry) Option {
	return func(r *Router) { r.keys = keys }
}

func WithReplayGuard(g *envelope.ReplayGuard) Option {
	return func(r *Router) { r.replay = g }
}

// barrierKeys are the payload keys the validator must never observe; the
// scrubber strips them and logs their presence as a barrier violation.
var barrierKeys = map[string]bool{
	"userMessage":         true,
	"conversationHistory": true,
	"journalData":         true,
	"relevantMemories":    true,
	"pluginCatalog":       true,
	"originalMessage":     true,
}

// schemaCheckMiddleware is middleware (1): required fields present, known
// type.
func schemaCheckMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, e *envelope.Envelope) (*envelope.Envelope, error) {
			if err := e.Validate(); err != nil {
				return nil, err
			}
			return next(ctx, e)
		}
	}
}

// signatureReplayMiddleware is middleware (2): signature and replay
// verification, with an opt-in bypass for trusted in-process signers.
func signatureReplayMiddleware(keys *envelope.KeyRegistry, replay *envelope.ReplayGuard, trusted map[string]bool) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, e *envelope.Envelope) (*envelope.Envelope, error) {
			if !trusted[e.Signer] {
				if keys == nil {
					return nil, fmt.Errorf("router: no key registry configured")
				}
				if err := envelope.Verify(e, keys); err != nil {
					return nil, err
				}
			}
			if replay != nil {
				if err := replay.Check(e.MessageID, e.Timestamp); err != nil {
					return nil, err
				}
			}
			return next(ctx, e)
		}
	}
}

// sizeGuardMiddleware is middleware (3): payload size ceiling and warning
// threshold.
func sizeGuardMiddleware(maxBytes, warnBytes int, logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, e *envelope.Envelope) (*envelope.Envelope, error) {
			size := len(e.Payload)
			if maxBytes > 0 && size > maxBytes {
				return nil, fmt.Errorf("router: payload size %d exceeds MAX_MESSAGE_SIZE_BYTES %d", size, maxBytes)
			}
			if warnBytes > 0 && size > warnBytes && logger != nil {
				logger.Warn("payload approaching size limit", slog.Int("size", size), slog.String("to", e.To))
			}
			return next(ctx, e)
		}
	}
}

// barrierScrubberMiddleware is middleware (4): for messages addressed to the
// validator, strip every payload key but "plan" and log any known
// barrier-violating key that was present.
func barrierScrubberMiddleware(validatorID string, logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, e *envelope.Envelope) (*envelope.Envelope, error) {
			if e.To != validatorID {
				return next(ctx, e)
			}

			var raw map[string]json.RawMessage
			if err := json.Unmarshal(e.Payload, &raw); err != nil {
				return next(ctx, e)
			}

			violated := false
			for k := range raw {
				if k != "plan" {
					if barrierKeys[k] {
						violated = true
					}
					delete(raw, k)
				}
			}
			if violated && logger != nil {
				logger.Warn("information barrier violation stripped before validator delivery",
					slog.String("messageId", e.MessageID))
			}

			scrubbed, err := json.Marshal(raw)
			if err != nil {
				return nil, err
			}
			clone := *e
			clone.Payload = scrubbed
			return next(ctx, &clone)
		}
	}
}

// errorWrapperMiddleware is middleware (5): converts any handler failure
// into an error-type envelope instead of propagating the Go error.
func errorWrapperMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, e *envelope.Envelope) (*envelope.Envelope, error) {
			resp, err := next(ctx, e)
			if err == nil {
				return resp, nil
			}
			return errorEnvelope(e, "HANDLER_ERROR", err.Error()), nil
		}
	}
}

func errorEnvelope(req *envelope.Envelope, code, message string) *envelope.Envelope {
	payload, _ := json.Marshal(map[string]string{"code": code, "message": message})
	return &envelope.Envelope{
		CorrelationID: req.CorrelationID,
		ReplyTo:       req.MessageID,
		From:          req.To,
		To:            req.From,
		Type:          envelope.TypeError,
		Payload:       payload,
	}
}

func chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
