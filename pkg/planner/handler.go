package planner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/helmrun/orchestrator/pkg/envelope"
)

// Handler returns the router.Handler the planner registers for plan.request
// envelopes. Any other message type is refused.
func (c *Client) Handler() func(ctx context.Context, e *envelope.Envelope) (*envelope.Envelope, error) {
	return func(ctx context.Context, e *envelope.Envelope) (*envelope.Envelope, error) {
		if e.Type != envelope.TypePlanRequest {
			return nil, fmt.Errorf("planner: unsupported message type %q", e.Type)
		}

		var req Request
		if err := json.Unmarshal(e.Payload, &req); err != nil {
			return nil, fmt.Errorf("planner: decode request: %w", err)
		}

		resp, err := c.Plan(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("planner: plan: %w", err)
		}

		payload, err := json.Marshal(resp)
		if err != nil {
			return nil, fmt.Errorf("planner: encode response: %w", err)
		}

		return &envelope.Envelope{
			CorrelationID: e.CorrelationID,
			ReplyTo:       e.MessageID,
			From:          e.To,
			To:            e.From,
			Type:          envelope.TypePlanResponse,
			Payload:       payload,
		}, nil
	}
}
