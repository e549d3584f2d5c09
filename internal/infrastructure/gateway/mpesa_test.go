package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
	"github.com/smartsanitation/fleet-core/internal/core/ports"
)

type fakeDaraja struct {
	tokenCalls atomic.Int32
	stkCalls   atomic.Int32
	lastSTK    stkPushRequest
	respCode   string
}

func (f *fakeDaraja) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"tok-1","expires_in":"3599"}`))
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		f.stkCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&f.lastSTK); err != nil {
			t.Errorf("decode stk body: %v", err)
		}
		code := f.respCode
		if code == "" {
			code = "0"
		}
		_ = json.NewEncoder(w).Encode(stkPushResponse{
			MerchantRequestID: "m-1",
			CheckoutRequestID: "ws_CO_123",
			ResponseCode:      code,
		})
	})
	return mux
}

func newTestMpesa(t *testing.T, f *fakeDaraja) *Mpesa {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	m := NewMpesa(MpesaConfig{
		BaseURL:        srv.URL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		Passkey:        "pk",
		CallbackURL:    "https://fleet.example/v1/callbacks/mpesa",
	}, srv.Client(), zerolog.Nop())
	m.now = func() time.Time { return time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC) }
	return m
}

func TestMpesa_InitiatePayment(t *testing.T) {
	f := &fakeDaraja{}
	m := newTestMpesa(t, f)

	res, err := m.InitiatePayment(context.Background(), ports.InitiateRequest{AttemptID: "a1", Amount: 1500, Phone: "+254712345678"})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if res.ExternalReference != "ws_CO_123" {
		t.Fatalf("unexpected reference: %s", res.ExternalReference)
	}
	if f.lastSTK.PhoneNumber != "254712345678" || f.lastSTK.Amount != 1500 {
		t.Fatalf("unexpected stk body: %+v", f.lastSTK)
	}
	if f.lastSTK.Timestamp != "20260504123000" {
		t.Fatalf("expected EAT timestamp, got %s", f.lastSTK.Timestamp)
	}
	want := base64.StdEncoding.EncodeToString([]byte("174379pk20260504123000"))
	if f.lastSTK.Password != want {
		t.Fatalf("unexpected password %s", f.lastSTK.Password)
	}
}

func TestMpesa_TokenIsCached(t *testing.T) {
	f := &fakeDaraja{}
	m := newTestMpesa(t, f)

	for i := 0; i < 3; i++ {
		if _, err := m.InitiatePayment(context.Background(), ports.InitiateRequest{Amount: 10, Phone: "0712345678"}); err != nil {
			t.Fatalf("initiate %d failed: %v", i, err)
		}
	}
	if n := f.tokenCalls.Load(); n != 1 {
		t.Fatalf("expected one token fetch, got %d", n)
	}
}

func TestMpesa_RejectedPushIsAdapterError(t *testing.T) {
	f := &fakeDaraja{respCode: "1"}
	m := newTestMpesa(t, f)

	_, err := m.InitiatePayment(context.Background(), ports.InitiateRequest{Amount: 10, Phone: "0712345678"})
	if !errors.Is(err, ports.ErrAdapter) {
		t.Fatalf("expected ErrAdapter, got: %v", err)
	}
}

func TestMpesa_NormalizeCallback(t *testing.T) {
	m := NewMpesa(MpesaConfig{}, nil, zerolog.Nop())

	ok := []byte(`{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":"ws_CO_1","ResultCode":0,"ResultDesc":"ok"}}}`)
	res, err := m.NormalizeCallback(context.Background(), ports.CallbackRequest{Body: ok})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if res.ExternalReference != "ws_CO_1" || res.Outcome != domain.OutcomeSucceeded {
		t.Fatalf("unexpected result: %+v", res)
	}

	cancelled := []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_2","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`)
	res, err = m.NormalizeCallback(context.Background(), ports.CallbackRequest{Body: cancelled})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if res.Outcome != domain.OutcomeFailed || res.Reason == "" {
		t.Fatalf("expected FAILED with reason, got %+v", res)
	}

	if _, err := m.NormalizeCallback(context.Background(), ports.CallbackRequest{Body: []byte(`{"Body":{}}`)}); !errors.Is(err, ports.ErrMalformedCallback) {
		t.Fatalf("expected ErrMalformedCallback, got: %v", err)
	}
}

func TestNormalizeMSISDN(t *testing.T) {
	for in, want := range map[string]string{
		"+254712345678": "254712345678",
		"0712345678":    "254712345678",
		"254712 345678": "254712345678",
	} {
		if got := normalizeMSISDN(in); got != want {
			t.Fatalf("normalizeMSISDN(%q) = %q, want %q", in, got, want)
		}
	}
}
