package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
	"github.com/smartsanitation/fleet-core/internal/core/ports"
)

const collectionPayments = "payment_attempts"

var openStatuses = []domain.PaymentStatus{domain.PaymentInitiated, domain.PaymentPending}

type PaymentRepository struct {
	col *mongo.Collection
}

func NewPaymentRepository(db *mongo.Database) *PaymentRepository {
	return &PaymentRepository{col: db.Collection(collectionPayments)}
}

// Create inserts a new payment attempt document. A unique index violation
// (idempotency key or provider reference) is reported as domain.ErrDuplicateAttempt.
func (r *PaymentRepository) Create(ctx context.Context, p *domain.PaymentAttempt) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if _, err := r.col.InsertOne(ctx, p); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("create attempt %s: %w", p.ID, domain.ErrDuplicateAttempt)
		}
		return err
	}
	return nil
}

func (r *PaymentRepository) FindByID(ctx context.Context, id string) (*domain.PaymentAttempt, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *PaymentRepository) FindByExternalReference(ctx context.Context, provider domain.Provider, ref string) (*domain.PaymentAttempt, error) {
	return r.findOne(ctx, bson.M{"provider": provider, "external_reference": ref})
}

// FindByIdempotencyKey retrieves an existing attempt that was created with the given key.
func (r *PaymentRepository) FindByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentAttempt, error) {
	return r.findOne(ctx, bson.M{"idempotency_key": key})
}

func (r *PaymentRepository) findOne(ctx context.Context, filter bson.M) (*domain.PaymentAttempt, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var p domain.PaymentAttempt
	if err := r.col.FindOne(ctx, filter).Decode(&p); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrAttemptNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Transition replaces the attempt document while its stored status is still from.
func (r *PaymentRepository) Transition(ctx context.Context, p *domain.PaymentAttempt, from domain.PaymentStatus) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := r.col.ReplaceOne(ctx, bson.M{"_id": p.ID, "status": from}, p)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		n, err := r.col.CountDocuments(ctx, bson.M{"_id": p.ID})
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrAttemptNotFound
		}
		return domain.ErrStaleWrite
	}
	return nil
}

func (r *PaymentRepository) ListOpenBefore(ctx context.Context, provider domain.Provider, before time.Time) ([]*domain.PaymentAttempt, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	cursor, err := r.col.Find(ctx, bson.M{
		"provider":   provider,
		"status":     bson.M{"$in": openStatuses},
		"created_at": bson.M{"$lt": before},
	})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	out := make([]*domain.PaymentAttempt, 0)
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// List returns a page of attempts, newest first, and the total match count.
func (r *PaymentRepository) List(ctx context.Context, f ports.ListPaymentsFilter) ([]*domain.PaymentAttempt, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	filter := bson.M{}
	if f.Provider != "" {
		filter["provider"] = f.Provider
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}

	total, err := r.col.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64((f.Page - 1) * f.Limit)).
		SetLimit(int64(f.Limit))

	cursor, err := r.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cursor.Close(ctx)

	items := make([]*domain.PaymentAttempt, 0)
	if err := cursor.All(ctx, &items); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// EnsureIndexes creates necessary indexes on the payment attempts collection.
func (r *PaymentRepository) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "provider", Value: 1}, {Key: "external_reference", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"external_reference": bson.M{"$exists": true}}),
		},
		{
			Keys:    bson.D{{Key: "idempotency_key", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{Keys: bson.D{{Key: "provider", Value: 1}, {Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
	}

	_, err := r.col.Indexes().CreateMany(ctx, indexes)
	return err
}
