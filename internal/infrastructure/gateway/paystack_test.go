package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
	"github.com/smartsanitation/fleet-core/internal/core/ports"
)

func TestPaystack_InitiatePayment(t *testing.T) {
	var got paystackInitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transaction/initialize" || r.Header.Get("Authorization") != "Bearer sk_test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"status":true,"message":"ok","data":{"authorization_url":"https://checkout.paystack.com/x","reference":"` + got.Reference + `"}}`))
	}))
	defer srv.Close()

	p := NewPaystack(PaystackConfig{BaseURL: srv.URL, SecretKey: "sk_test"}, srv.Client(), zerolog.Nop())
	res, err := p.InitiatePayment(context.Background(), ports.InitiateRequest{AttemptID: "att-1", Amount: 15.5, Email: "a@b.co", Currency: "NGN"})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if got.Amount != 1550 {
		t.Fatalf("expected amount in minor units, got %d", got.Amount)
	}
	if res.ExternalReference != "att-1" || res.CheckoutURL != "https://checkout.paystack.com/x" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPaystack_RejectedInitialization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":false,"message":"Invalid email"}`))
	}))
	defer srv.Close()

	p := NewPaystack(PaystackConfig{BaseURL: srv.URL, SecretKey: "sk"}, srv.Client(), zerolog.Nop())
	if _, err := p.InitiatePayment(context.Background(), ports.InitiateRequest{Amount: 1}); !errors.Is(err, ports.ErrAdapter) {
		t.Fatalf("expected ErrAdapter, got: %v", err)
	}
}

func TestPaystack_NormalizeCallback(t *testing.T) {
	p := NewPaystack(PaystackConfig{SecretKey: "sk"}, nil, zerolog.Nop())
	body := []byte(`{"event":"charge.success","data":{"reference":"att-1","status":"success"}}`)

	res, err := p.NormalizeCallback(context.Background(), ports.CallbackRequest{Body: body, Signature: SignPaystack("sk", body)})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if res.ExternalReference != "att-1" || res.Outcome != domain.OutcomeSucceeded {
		t.Fatalf("unexpected result: %+v", res)
	}

	if _, err := p.NormalizeCallback(context.Background(), ports.CallbackRequest{Body: body, Signature: SignPaystack("wrong", body)}); !errors.Is(err, ports.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got: %v", err)
	}
	if _, err := p.NormalizeCallback(context.Background(), ports.CallbackRequest{Body: body}); !errors.Is(err, ports.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for missing header, got: %v", err)
	}

	failed := []byte(`{"event":"charge.failed","data":{"reference":"att-2","gateway_response":"Declined"}}`)
	res, err = p.NormalizeCallback(context.Background(), ports.CallbackRequest{Body: failed, Signature: SignPaystack("sk", failed)})
	if err != nil || res.Outcome != domain.OutcomeFailed || res.Reason != "Declined" {
		t.Fatalf("expected FAILED Declined, got %+v err=%v", res, err)
	}

	other := []byte(`{"event":"transfer.success","data":{"reference":"x"}}`)
	if _, err := p.NormalizeCallback(context.Background(), ports.CallbackRequest{Body: other, Signature: SignPaystack("sk", other)}); !errors.Is(err, ports.ErrIgnoredCallback) {
		t.Fatalf("expected ErrIgnoredCallback, got: %v", err)
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewPaystack(PaystackConfig{BaseURL: srv.URL, SecretKey: "sk", Breaker: BreakerConfig{ConsecutiveFails: 3}}, srv.Client(), zerolog.Nop())
	for i := 0; i < 5; i++ {
		if _, err := p.InitiatePayment(context.Background(), ports.InitiateRequest{Amount: 1}); !errors.Is(err, ports.ErrAdapter) {
			t.Fatalf("call %d: expected ErrAdapter, got: %v", i, err)
		}
	}
	if n := hits.Load(); n != 3 {
		t.Fatalf("expected breaker to stop calls after 3 failures, provider saw %d", n)
	}
}

func TestBreaker_ClientErrorsDoNotTrip(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewPaystack(PaystackConfig{BaseURL: srv.URL, SecretKey: "sk", Breaker: BreakerConfig{ConsecutiveFails: 2}}, srv.Client(), zerolog.Nop())
	for i := 0; i < 4; i++ {
		_, _ = p.InitiatePayment(context.Background(), ports.InitiateRequest{Amount: 1})
	}
	if n := hits.Load(); n != 4 {
		t.Fatalf("expected every call to reach the provider, got %d", n)
	}
}
