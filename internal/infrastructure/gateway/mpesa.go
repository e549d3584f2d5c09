package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
	"github.com/smartsanitation/fleet-core/internal/core/ports"
)

const (
	mpesaSandboxURL    = "https://sandbox.safaricom.co.ke"
	mpesaProductionURL = "https://api.safaricom.co.ke"
	mpesaTimestamp     = "20060102150405"
)

// Daraja timestamps are East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

// MpesaConfig configures the STK push adapter.
type MpesaConfig struct {
	Environment      string // "sandbox" or "production"
	BaseURL          string // overrides Environment when set
	ConsumerKey      string
	ConsumerSecret   string
	ShortCode        string
	Passkey          string
	CallbackURL      string
	AccountReference string
	Breaker          BreakerConfig
}

// Mpesa is the mobile-money adapter (Safaricom Daraja STK push).
type Mpesa struct {
	cfg    MpesaConfig
	base   string
	client *client
	tokens *tokenCache
	now    func() time.Time
	log    zerolog.Logger
}

func NewMpesa(cfg MpesaConfig, httpClient *http.Client, log zerolog.Logger) *Mpesa {
	base := cfg.BaseURL
	if base == "" {
		base = mpesaSandboxURL
		if cfg.Environment == "production" {
			base = mpesaProductionURL
		}
	}
	if cfg.AccountReference == "" {
		cfg.AccountReference = "SmartSanitation"
	}
	log = log.With().Str("component", "gateway.mpesa").Logger()
	m := &Mpesa{
		cfg:    cfg,
		base:   strings.TrimRight(base, "/"),
		client: newClient(string(domain.ProviderMobileMoney), httpClient, cfg.Breaker, log),
		now:    time.Now,
		log:    log,
	}
	m.tokens = newTokenCache(m.fetchToken, log)
	return m
}

func (m *Mpesa) Provider() domain.Provider { return domain.ProviderMobileMoney }

// RunTokenRefresher renews the OAuth token in the background until ctx ends.
func (m *Mpesa) RunTokenRefresher(ctx context.Context) { m.tokens.Run(ctx) }

type mpesaTokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

func (m *Mpesa) fetchToken(ctx context.Context) (string, time.Duration, error) {
	creds := base64.StdEncoding.EncodeToString([]byte(m.cfg.ConsumerKey + ":" + m.cfg.ConsumerSecret))
	header := http.Header{"Authorization": []string{"Basic " + creds}}

	var out mpesaTokenResponse
	url := m.base + "/oauth/v1/generate?grant_type=client_credentials"
	if err := m.client.doJSON(ctx, "token", http.MethodGet, url, header, nil, &out); err != nil {
		return "", 0, err
	}
	if out.AccessToken == "" {
		return "", 0, fmt.Errorf("%w: mpesa token response without access_token", ports.ErrAdapter)
	}
	secs, err := out.ExpiresIn.Int64()
	if err != nil || secs <= 0 {
		secs = 3599
	}
	return out.AccessToken, time.Duration(secs) * time.Second, nil
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// InitiatePayment sends an STK push to the customer's handset.
func (m *Mpesa) InitiatePayment(ctx context.Context, req ports.InitiateRequest) (*ports.InitiateResult, error) {
	token, err := m.tokens.Get(ctx)
	if err != nil {
		return nil, err
	}

	ts := m.now().In(eat).Format(mpesaTimestamp)
	phone := normalizeMSISDN(req.Phone)
	body := stkPushRequest{
		BusinessShortCode: m.cfg.ShortCode,
		Password:          stkPassword(m.cfg.ShortCode, m.cfg.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            int64(math.Ceil(req.Amount)),
		PartyA:            phone,
		PartyB:            m.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       m.cfg.CallbackURL,
		AccountReference:  m.cfg.AccountReference,
		TransactionDesc:   "Payment " + req.AttemptID,
	}

	var out stkPushResponse
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	if err := m.client.doJSON(ctx, "initiate", http.MethodPost, m.base+"/mpesa/stkpush/v1/processrequest", header, body, &out); err != nil {
		return nil, err
	}
	if out.ResponseCode != "0" {
		return nil, fmt.Errorf("%w: stk push rejected: %s %s", ports.ErrAdapter, out.ResponseCode, out.ResponseDescription)
	}
	if out.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: stk push accepted without CheckoutRequestID", ports.ErrAdapter)
	}

	m.log.Debug().Str("attempt_id", req.AttemptID).Str("checkout_request_id", out.CheckoutRequestID).Msg("stk push accepted")
	return &ports.InitiateResult{ExternalReference: out.CheckoutRequestID}, nil
}

type stkCallbackEnvelope struct {
	Body struct {
		StkCallback *struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        *int   `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// NormalizeCallback parses a Daraja STK callback. It never touches the token cache.
func (m *Mpesa) NormalizeCallback(_ context.Context, req ports.CallbackRequest) (*ports.CallbackResult, error) {
	var env stkCallbackEnvelope
	if err := json.Unmarshal(req.Body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrMalformedCallback, err)
	}
	cb := env.Body.StkCallback
	if cb == nil || cb.CheckoutRequestID == "" || cb.ResultCode == nil {
		return nil, fmt.Errorf("%w: missing stkCallback fields", ports.ErrMalformedCallback)
	}

	res := &ports.CallbackResult{ExternalReference: cb.CheckoutRequestID, Outcome: domain.OutcomeSucceeded}
	if *cb.ResultCode != 0 {
		res.Outcome = domain.OutcomeFailed
		res.Reason = fmt.Sprintf("%d: %s", *cb.ResultCode, cb.ResultDesc)
	}
	return res, nil
}

func stkPassword(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

// normalizeMSISDN converts +2547..., 07... and 2547... into the 2547... form Daraja expects.
func normalizeMSISDN(phone string) string {
	p := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(phone))
	p = strings.TrimPrefix(p, "+")
	if strings.HasPrefix(p, "0") {
		p = "254" + p[1:]
	}
	return p
}
