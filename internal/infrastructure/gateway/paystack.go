package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
	"github.com/smartsanitation/fleet-core/internal/core/ports"
)

const paystackDefaultURL = "https://api.paystack.co"

// PaystackConfig configures the card gateway adapter.
type PaystackConfig struct {
	BaseURL     string
	SecretKey   string
	CallbackURL string // customer redirect after checkout
	Breaker     BreakerConfig
}

// Paystack is the card-gateway adapter.
type Paystack struct {
	cfg    PaystackConfig
	base   string
	client *client
	log    zerolog.Logger
}

func NewPaystack(cfg PaystackConfig, httpClient *http.Client, log zerolog.Logger) *Paystack {
	base := cfg.BaseURL
	if base == "" {
		base = paystackDefaultURL
	}
	log = log.With().Str("component", "gateway.paystack").Logger()
	return &Paystack{
		cfg:    cfg,
		base:   strings.TrimRight(base, "/"),
		client: newClient(string(domain.ProviderCardGateway), httpClient, cfg.Breaker, log),
		log:    log,
	}
}

func (p *Paystack) Provider() domain.Provider { return domain.ProviderCardGateway }

type paystackInitRequest struct {
	Email       string            `json:"email"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency,omitempty"`
	Reference   string            `json:"reference,omitempty"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type paystackInitResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

// PresetReference returns the transaction reference Paystack will echo back in
// its webhook. We choose it, so it is known before the initialize call.
func (p *Paystack) PresetReference(attemptID string) string { return attemptID }

// InitiatePayment initializes a hosted checkout. Amounts go out in minor units.
func (p *Paystack) InitiatePayment(ctx context.Context, req ports.InitiateRequest) (*ports.InitiateResult, error) {
	body := paystackInitRequest{
		Email:       req.Email,
		Amount:      int64(math.Round(req.Amount * 100)),
		Currency:    req.Currency,
		Reference:   p.PresetReference(req.AttemptID),
		CallbackURL: p.cfg.CallbackURL,
		Metadata:    map[string]string{"attempt_id": req.AttemptID},
	}

	var out paystackInitResponse
	header := http.Header{"Authorization": []string{"Bearer " + p.cfg.SecretKey}}
	if err := p.client.doJSON(ctx, "initiate", http.MethodPost, p.base+"/transaction/initialize", header, body, &out); err != nil {
		return nil, err
	}
	if !out.Status {
		return nil, fmt.Errorf("%w: paystack rejected initialization: %s", ports.ErrAdapter, out.Message)
	}

	return &ports.InitiateResult{
		ExternalReference: out.Data.Reference,
		CheckoutURL:       out.Data.AuthorizationURL,
	}, nil
}

type paystackWebhook struct {
	Event string `json:"event"`
	Data  struct {
		Reference       string `json:"reference"`
		Status          string `json:"status"`
		GatewayResponse string `json:"gateway_response"`
	} `json:"data"`
}

// NormalizeCallback verifies the x-paystack-signature HMAC and maps charge events.
func (p *Paystack) NormalizeCallback(_ context.Context, req ports.CallbackRequest) (*ports.CallbackResult, error) {
	if !p.validSignature(req.Body, req.Signature) {
		return nil, ports.ErrInvalidSignature
	}

	var hook paystackWebhook
	if err := json.Unmarshal(req.Body, &hook); err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrMalformedCallback, err)
	}

	var outcome domain.Outcome
	switch hook.Event {
	case "charge.success":
		outcome = domain.OutcomeSucceeded
	case "charge.failed":
		outcome = domain.OutcomeFailed
	default:
		return nil, fmt.Errorf("%w: event %q", ports.ErrIgnoredCallback, hook.Event)
	}
	if hook.Data.Reference == "" {
		return nil, fmt.Errorf("%w: missing data.reference", ports.ErrMalformedCallback)
	}

	res := &ports.CallbackResult{ExternalReference: hook.Data.Reference, Outcome: outcome}
	if outcome == domain.OutcomeFailed {
		res.Reason = hook.Data.GatewayResponse
	}
	return res, nil
}

func (p *Paystack) validSignature(body []byte, signature string) bool {
	if signature == "" || p.cfg.SecretKey == "" {
		return false
	}
	given, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(p.cfg.SecretKey))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), given)
}

// SignPaystack computes the webhook signature for body. Used by tests and the sandbox tooling.
func SignPaystack(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
