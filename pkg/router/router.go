package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/helmrun/orchestrator/pkg/envelope"
)

const (
	defaultMaxMessageSizeBytes  = 256 * 1024
	defaultWarnMessageSizeBytes = 128 * 1024
)

// Router dispatches signed envelopes to components registered in a Registry,
// running the fixed middleware chain in front of every call.
type Router struct {
	registry *Registry

	logger          *slog.Logger
	keys            *envelope.KeyRegistry
	replay          *envelope.ReplayGuard
	trustedSigners  map[string]bool
	maxMessageSize  int
	warnMessageSize int
	validatorID     string
}

func New(registry *Registry, opts ...Option) *Router {
	r := &Router{
		registry:        registry,
		logger:          slog.Default(),
		trustedSigners:  make(map[string]bool),
		maxMessageSize:  defaultMaxMessageSizeBytes,
		warnMessageSize: defaultWarnMessageSizeBytes,
		validatorID:     "validator",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithValidatorID overrides the component id treated as the validator for
// the information-barrier scrubber. Defaults to "validator".
func WithValidatorID(id string) Option {
	return func(r *Router) { r.validatorID = id }
}

// Dispatch runs the envelope through the middleware chain and the addressed
// component's handler. A COMPONENT_NOT_FOUND error envelope is returned (not
// a Go error) when nothing is registered under e.To, matching the router's
// synchronous request/reply contract.
func (r *Router) Dispatch(ctx context.Context, e *envelope.Envelope) (*envelope.Envelope, error) {
	handler, ok := r.registry.lookup(e.To)
	if !ok {
		return componentNotFound(e), nil
	}

	wrapped := chain(handler,
		schemaCheckMiddleware(),
		signatureReplayMiddleware(r.keys, r.replay, r.trustedSigners),
		sizeGuardMiddleware(r.maxMessageSize, r.warnMessageSize, r.logger),
		barrierScrubberMiddleware(r.validatorID, r.logger),
		errorWrapperMiddleware(),
	)
	return wrapped(ctx, e)
}

func componentNotFound(req *envelope.Envelope) *envelope.Envelope {
	payload, _ := json.Marshal(map[string]string{
		"code":    "COMPONENT_NOT_FOUND",
		"message": fmt.Sprintf("no handler registered for component %q", req.To),
	})
	return &envelope.Envelope{
		CorrelationID: req.CorrelationID,
		ReplyTo:       req.MessageID,
		From:          "router",
		To:            req.From,
		Type:          envelope.TypeError,
		Payload:       payload,
	}
}
