package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
	"github.com/smartsanitation/fleet-core/internal/core/ports"
)

// Sandbox is a local stand-in for a provider. Initiation always succeeds and
// callbacks are plain JSON: {"reference": "...", "status": "success"|"failed"}.
type Sandbox struct {
	provider domain.Provider
}

func NewSandbox(provider domain.Provider) *Sandbox {
	return &Sandbox{provider: provider}
}

func (s *Sandbox) Provider() domain.Provider { return s.provider }

func (s *Sandbox) InitiatePayment(ctx context.Context, req ports.InitiateRequest) (*ports.InitiateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrAdapter, err)
	}
	ref := "sbx_" + uuid.NewString()
	res := &ports.InitiateResult{ExternalReference: ref}
	if s.provider == domain.ProviderCardGateway {
		res.CheckoutURL = "https://sandbox.invalid/checkout/" + ref
	}
	return res, nil
}

type sandboxCallback struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
}

func (s *Sandbox) NormalizeCallback(_ context.Context, req ports.CallbackRequest) (*ports.CallbackResult, error) {
	var cb sandboxCallback
	if err := json.Unmarshal(req.Body, &cb); err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrMalformedCallback, err)
	}
	if cb.Reference == "" {
		return nil, fmt.Errorf("%w: missing reference", ports.ErrMalformedCallback)
	}

	switch strings.ToLower(cb.Status) {
	case "success", "succeeded":
		return &ports.CallbackResult{ExternalReference: cb.Reference, Outcome: domain.OutcomeSucceeded}, nil
	case "failed", "failure":
		return &ports.CallbackResult{ExternalReference: cb.Reference, Outcome: domain.OutcomeFailed, Reason: cb.Reason}, nil
	default:
		return nil, fmt.Errorf("%w: status %q", ports.ErrIgnoredCallback, cb.Status)
	}
}
