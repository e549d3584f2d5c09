package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
	"github.com/smartsanitation/fleet-core/internal/core/ports"
)

const (
	defaultInitiateTimeout = 15 * time.Second
	defaultCallbackGrace   = 3 * time.Second
	referencePollInterval  = 25 * time.Millisecond
	defaultPageLimit       = 20
	maxPageLimit           = 100
)

// DedupChecker abstracts the callback idempotency store (Redis).
type DedupChecker interface {
	IsDuplicate(ctx context.Context, provider, reference, outcome string) (bool, error)
	Mark(ctx context.Context, provider, reference, outcome string) error
}

type noopDedup struct{}

func (noopDedup) IsDuplicate(context.Context, string, string, string) (bool, error) {
	return false, nil
}
func (noopDedup) Mark(context.Context, string, string, string) error { return nil }

// PaymentOptions tunes the state machine per provider.
type PaymentOptions struct {
	// InitiateTimeouts bounds each provider's outbound initiation call.
	InitiateTimeouts map[domain.Provider]time.Duration
	// CallbackGrace is how long Resolve keeps retrying an unknown reference
	// while an initiation for the same provider is still being recorded.
	CallbackGrace time.Duration
}

// PaymentService is the payment state machine. Every mutation of an attempt
// happens under that attempt's key lock; no lock is held across a provider call.
type PaymentService struct {
	repo      ports.PaymentRepository
	gateways  map[domain.Provider]ports.PaymentGateway
	publisher ports.EventPublisher
	dedup     DedupChecker
	locks     *KeyedMutex
	timeouts  map[domain.Provider]time.Duration
	grace     time.Duration
	now       func() time.Time
	newID     func() string
	log       zerolog.Logger

	inflightMu sync.Mutex
	inflight   map[domain.Provider]int
}

// NewPaymentService wires the state machine to its repository and adapters.
// dedup may be nil.
func NewPaymentService(
	repo ports.PaymentRepository,
	gateways []ports.PaymentGateway,
	publisher ports.EventPublisher,
	dedup DedupChecker,
	opts PaymentOptions,
	log zerolog.Logger,
) *PaymentService {
	if dedup == nil {
		dedup = noopDedup{}
	}
	if opts.CallbackGrace <= 0 {
		opts.CallbackGrace = defaultCallbackGrace
	}
	gw := make(map[domain.Provider]ports.PaymentGateway, len(gateways))
	for _, g := range gateways {
		gw[g.Provider()] = g
	}
	return &PaymentService{
		repo:      repo,
		gateways:  gw,
		publisher: publisher,
		dedup:     dedup,
		locks:     NewKeyedMutex(),
		timeouts:  opts.InitiateTimeouts,
		grace:     opts.CallbackGrace,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		log:       log,
		inflight:  make(map[domain.Provider]int),
	}
}

func paymentKey(id string) string { return "payment:" + id }

func idempotencyKey(key string) string { return "idem:" + key }

// Initiate records a new attempt, calls the provider and moves the attempt to
// PENDING or FAILED. It returns as soon as the provider has acknowledged or
// refused the request; the final outcome arrives later through Resolve.
func (s *PaymentService) Initiate(ctx context.Context, in ports.InitiatePaymentInput) (*ports.InitiatePaymentResult, error) {
	gw, ok := s.gateways[in.Provider]
	if !ok {
		return nil, fmt.Errorf("initiate: %w: %q", domain.ErrUnsupportedProvider, in.Provider)
	}
	if err := validatePayment(in); err != nil {
		return nil, err
	}

	now := s.now()
	attempt := &domain.PaymentAttempt{
		ID:             s.newID(),
		Provider:       in.Provider,
		Amount:         in.Amount,
		Currency:       in.Currency,
		Phone:          in.Phone,
		Email:          in.Email,
		BookingRef:     in.BookingRef,
		IdempotencyKey: in.IdempotencyKey,
		Status:         domain.PaymentInitiated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if pr, ok := gw.(ports.ReferencePresetter); ok {
		attempt.ExternalReference = pr.PresetReference(attempt.ID)
	}

	existing, err := s.reserve(ctx, attempt)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create payment attempt")
		return nil, fmt.Errorf("initiate: %w", err)
	}
	if existing != nil {
		s.log.Info().Str("idempotency_key", in.IdempotencyKey).Str("attempt_id", existing.ID).Msg("idempotent replay")
		return &ports.InitiatePaymentResult{Attempt: existing, AlreadyExisted: true}, nil
	}
	defer s.track(in.Provider)()
	s.publisher.Publish(domain.NewPaymentEvent(attempt, now))

	// The provider may act on the request even if our caller goes away, so the
	// outbound call and the follow-up transition outlive the request context.
	detached := context.WithoutCancel(ctx)
	callCtx, cancel := context.WithTimeout(detached, s.timeout(in.Provider))
	res, err := gw.InitiatePayment(callCtx, ports.InitiateRequest{
		AttemptID: attempt.ID,
		Amount:    in.Amount,
		Currency:  in.Currency,
		Phone:     in.Phone,
		Email:     in.Email,
	})
	cancel()
	if err == nil && (res == nil || res.ExternalReference == "") {
		err = fmt.Errorf("%w: provider returned no reference", ports.ErrAdapter)
	}

	var (
		next    *domain.PaymentAttempt
		applied bool
		terr    error
	)
	if err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attempt.ID).Str("provider", string(in.Provider)).Msg("payment initiation failed")
		reason := err.Error()
		next, applied, terr = s.transition(detached, attempt.ID, domain.PaymentFailed, func(p *domain.PaymentAttempt) {
			p.FailureReason = reason
		})
	} else {
		next, applied, terr = s.transition(detached, attempt.ID, domain.PaymentPending, func(p *domain.PaymentAttempt) {
			p.ExternalReference = res.ExternalReference
			p.CheckoutURL = res.CheckoutURL
		})
		if terr == nil && !applied {
			s.log.Warn().
				Str("attempt_id", attempt.ID).
				Str("external_reference", res.ExternalReference).
				Str("status", string(next.Status)).
				Msg("late provider acknowledgement for resolved attempt")
		}
	}
	if terr != nil {
		return nil, fmt.Errorf("initiate: %w", terr)
	}

	s.log.Info().
		Str("attempt_id", next.ID).
		Str("provider", string(next.Provider)).
		Str("status", string(next.Status)).
		Msg("payment initiated")

	return &ports.InitiatePaymentResult{Attempt: next}, nil
}

// Resolve applies a normalized provider callback. Callbacks for terminal
// attempts are acknowledged without a transition or event.
func (s *PaymentService) Resolve(ctx context.Context, in ports.ResolveInput) (*ports.ResolveResult, error) {
	if in.ExternalReference == "" {
		return nil, domain.ErrUnknownReference
	}
	provider, ref, outcome := string(in.Provider), in.ExternalReference, string(in.Outcome)

	isDup, err := s.dedup.IsDuplicate(ctx, provider, ref, outcome)
	if err != nil {
		s.log.Warn().Err(err).Str("reference", ref).Msg("dedup check failed, processing anyway")
	}

	attempt, err := s.findByReference(ctx, in.Provider, ref)
	if err != nil {
		if errors.Is(err, domain.ErrAttemptNotFound) {
			return nil, fmt.Errorf("resolve %s: %w", ref, domain.ErrUnknownReference)
		}
		return nil, fmt.Errorf("resolve: %w", err)
	}
	if isDup {
		s.log.Debug().Str("reference", ref).Str("outcome", outcome).Msg("duplicate callback skipped")
		return &ports.ResolveResult{Attempt: attempt, Applied: false}, nil
	}

	raw := append([]byte(nil), in.RawPayload...)
	next, applied, err := s.transition(ctx, attempt.ID, in.Outcome.Status(), func(p *domain.PaymentAttempt) {
		p.RawCallback = raw
		if in.Outcome != domain.OutcomeSucceeded {
			p.FailureReason = in.Reason
		}
	})
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}

	if markErr := s.dedup.Mark(ctx, provider, ref, outcome); markErr != nil {
		s.log.Warn().Err(markErr).Str("reference", ref).Msg("failed to set dedup key")
	}

	if applied {
		s.log.Info().
			Str("attempt_id", next.ID).
			Str("reference", ref).
			Str("status", string(next.Status)).
			Msg("payment resolved")
	} else {
		s.log.Info().
			Str("attempt_id", next.ID).
			Str("reference", ref).
			Str("status", string(next.Status)).
			Msg("callback for terminal attempt acknowledged")
	}
	return &ports.ResolveResult{Attempt: next, Applied: applied}, nil
}

// SweepExpired moves attempts of provider still open after ttl to EXPIRED.
func (s *PaymentService) SweepExpired(ctx context.Context, provider domain.Provider, now time.Time, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-ttl)
	open, err := s.repo.ListOpenBefore(ctx, provider, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}

	expired := 0
	for _, p := range open {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		_, applied, err := s.transition(ctx, p.ID, domain.PaymentExpired, func(a *domain.PaymentAttempt) {
			a.FailureReason = fmt.Sprintf("no provider callback within %s", ttl)
		})
		if err != nil {
			s.log.Warn().Err(err).Str("attempt_id", p.ID).Msg("sweep: expire failed")
			continue
		}
		if applied {
			expired++
		}
	}
	if expired > 0 {
		s.log.Info().Str("provider", string(provider)).Int("expired", expired).Msg("expired stale payment attempts")
	}
	return expired, nil
}

func (s *PaymentService) Get(ctx context.Context, id string) (*domain.PaymentAttempt, error) {
	return s.repo.FindByID(ctx, id)
}

// List returns a page of attempts, newest first.
func (s *PaymentService) List(ctx context.Context, f ports.ListPaymentsFilter) (*ports.ListPaymentsResult, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = defaultPageLimit
	}
	if f.Limit > maxPageLimit {
		f.Limit = maxPageLimit
	}

	items, total, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return &ports.ListPaymentsResult{
		Items:      items,
		Total:      total,
		Page:       f.Page,
		Limit:      f.Limit,
		TotalPages: int(math.Ceil(float64(total) / float64(f.Limit))),
	}, nil
}

// reserve stores attempt unless another attempt already owns its idempotency
// key, in which case that attempt is returned and nothing is stored.
func (s *PaymentService) reserve(ctx context.Context, attempt *domain.PaymentAttempt) (*domain.PaymentAttempt, error) {
	key := attempt.IdempotencyKey
	if key == "" {
		return nil, s.repo.Create(ctx, attempt)
	}

	unlock := s.locks.Lock(idempotencyKey(key))
	defer unlock()

	existing, err := s.repo.FindByIdempotencyKey(ctx, key)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrAttemptNotFound) {
		return nil, err
	}

	if err := s.repo.Create(ctx, attempt); err != nil {
		if !errors.Is(err, domain.ErrDuplicateAttempt) {
			return nil, err
		}
		// Another instance inserted the key between our lookup and insert.
		return s.repo.FindByIdempotencyKey(ctx, key)
	}
	return nil, nil
}

// track counts an initiation for provider as in flight until the returned
// func is called.
func (s *PaymentService) track(provider domain.Provider) func() {
	s.inflightMu.Lock()
	s.inflight[provider]++
	s.inflightMu.Unlock()
	return func() {
		s.inflightMu.Lock()
		s.inflight[provider]--
		s.inflightMu.Unlock()
	}
}

func (s *PaymentService) initiating(provider domain.Provider) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	return s.inflight[provider] > 0
}

// findByReference looks an attempt up by provider reference. A provider may
// deliver its callback before the acknowledgement carrying that reference has
// been stored, so a miss is retried for up to the callback grace while an
// initiation for the same provider is in flight.
func (s *PaymentService) findByReference(ctx context.Context, provider domain.Provider, ref string) (*domain.PaymentAttempt, error) {
	deadline := time.Now().Add(s.grace)
	for {
		attempt, err := s.repo.FindByExternalReference(ctx, provider, ref)
		if !errors.Is(err, domain.ErrAttemptNotFound) || !s.initiating(provider) || time.Now().After(deadline) {
			return attempt, err
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(referencePollInterval):
		}
	}
}

// transition moves attempt id to status to under the attempt's lock. It reports
// applied=false, with the current record, when the move is not permitted
// (terminal attempts in particular) or lost a compare-and-set race.
func (s *PaymentService) transition(ctx context.Context, id string, to domain.PaymentStatus, apply func(p *domain.PaymentAttempt)) (*domain.PaymentAttempt, bool, error) {
	unlock := s.locks.Lock(paymentKey(id))
	defer unlock()

	current, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !current.Status.CanTransitionTo(to) {
		return current, false, nil
	}

	now := s.now()
	next := current.Clone()
	next.Status = to
	next.UpdatedAt = now
	if to.Terminal() {
		next.ResolvedAt = &now
	}
	if apply != nil {
		apply(next)
	}

	if err := s.repo.Transition(ctx, next, current.Status); err != nil {
		if errors.Is(err, domain.ErrStaleWrite) {
			latest, ferr := s.repo.FindByID(ctx, id)
			if ferr != nil {
				return nil, false, ferr
			}
			return latest, false, nil
		}
		return nil, false, err
	}

	s.publisher.Publish(domain.NewPaymentEvent(next, now))
	return next, true, nil
}

func (s *PaymentService) timeout(p domain.Provider) time.Duration {
	if d, ok := s.timeouts[p]; ok && d > 0 {
		return d
	}
	return defaultInitiateTimeout
}

func validatePayment(in ports.InitiatePaymentInput) error {
	if math.IsNaN(in.Amount) || math.IsInf(in.Amount, 0) || in.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", domain.ErrInvalidPayment)
	}
	switch in.Provider {
	case domain.ProviderMobileMoney:
		if strings.TrimSpace(in.Phone) == "" {
			return fmt.Errorf("%w: phone is required for mobile money", domain.ErrInvalidPayment)
		}
	case domain.ProviderCardGateway:
		if strings.TrimSpace(in.Email) == "" {
			return fmt.Errorf("%w: email is required for card payments", domain.ErrInvalidPayment)
		}
	}
	return nil
}
