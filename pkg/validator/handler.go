package validator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/helmrun/orchestrator/pkg/envelope"
	"github.com/helmrun/orchestrator/pkg/plan"
)

// Handler returns the only router.Handler the validator ever registers: for
// validate.request envelopes only. Any other
// envelope that somehow reaches it is refused as unknown type.
func (v *Validator) Handler() func(ctx context.Context, e *envelope.Envelope) (*envelope.Envelope, error) {
	return func(ctx context.Context, e *envelope.Envelope) (*envelope.Envelope, error) {
		if e.Type != envelope.TypeValidateRequest {
			return nil, fmt.Errorf("validator: unsupported message type %q", e.Type)
		}

		var req struct {
			Plan plan.Plan `json:"plan"`
		}
		if err := json.Unmarshal(e.Payload, &req); err != nil {
			return nil, fmt.Errorf("validator: decode plan: %w", err)
		}

		result, err := v.Validate(req.Plan)
		if err != nil {
			return nil, fmt.Errorf("validator: validate: %w", err)
		}

		payload, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("validator: encode result: %w", err)
		}

		return &envelope.Envelope{
			CorrelationID: e.CorrelationID,
			ReplyTo:       e.MessageID,
			From:          e.To,
			To:            e.From,
			Type:          envelope.TypeValidateResponse,
			Payload:       payload,
		}, nil
	}
}
