package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
)

const collectionUnits = "units"

type UnitRepository struct {
	col *mongo.Collection
}

func NewUnitRepository(db *mongo.Database) *UnitRepository {
	return &UnitRepository{col: db.Collection(collectionUnits)}
}

// Create inserts a new unit document.
func (r *UnitRepository) Create(ctx context.Context, u *domain.Unit) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if _, err := r.col.InsertOne(ctx, u); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrUnitExists
		}
		return err
	}
	return nil
}

func (r *UnitRepository) FindBySerial(ctx context.Context, serialNo string) (*domain.Unit, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var u domain.Unit
	if err := r.col.FindOne(ctx, bson.M{"serial_no": serialNo}).Decode(&u); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrUnknownUnit
		}
		return nil, err
	}
	return &u, nil
}

func (r *UnitRepository) List(ctx context.Context) ([]*domain.Unit, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	cursor, err := r.col.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "serial_no", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	units := make([]*domain.Unit, 0)
	if err := cursor.All(ctx, &units); err != nil {
		return nil, err
	}
	return units, nil
}

// ApplyTelemetry writes the telemetry-derived fields of u. The filter only
// matches while the stored reading is older, so concurrent writers sharing the
// database can never move a unit backwards.
func (r *UnitRepository) ApplyTelemetry(ctx context.Context, u *domain.Unit) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	filter := bson.M{
		"serial_no":         u.SerialNo,
		"last_telemetry_at": bson.M{"$lt": u.LastTelemetryAt},
	}
	set := bson.M{
		"fill_level":        u.FillLevel,
		"battery_level":     u.BatteryLevel,
		"status":            u.Status,
		"last_telemetry_at": u.LastTelemetryAt,
		"updated_at":        u.UpdatedAt,
	}
	if u.Coordinates != nil {
		set["coordinates"] = u.Coordinates
	}
	update := bson.M{"$set": set, "$inc": bson.M{"version": 1}}

	res, err := r.col.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return r.missOrUnknown(ctx, u.SerialNo)
	}
	return nil
}

// UpdateStatus moves a unit from one status to another.
func (r *UnitRepository) UpdateStatus(ctx context.Context, serialNo string, from, to domain.UnitStatus, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := r.col.UpdateOne(ctx,
		bson.M{"serial_no": serialNo, "status": from},
		bson.M{"$set": bson.M{"status": to, "updated_at": at}, "$inc": bson.M{"version": 1}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return r.missOrUnknown(ctx, serialNo)
	}
	return nil
}

func (r *UnitRepository) ListSilentSince(ctx context.Context, status domain.UnitStatus, before time.Time) ([]*domain.Unit, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	cursor, err := r.col.Find(ctx, bson.M{
		"status":            status,
		"last_telemetry_at": bson.M{"$lt": before},
	})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	units := make([]*domain.Unit, 0)
	if err := cursor.All(ctx, &units); err != nil {
		return nil, err
	}
	return units, nil
}

// missOrUnknown tells a compare-and-set miss apart from a missing unit.
func (r *UnitRepository) missOrUnknown(ctx context.Context, serialNo string) error {
	n, err := r.col.CountDocuments(ctx, bson.M{"serial_no": serialNo})
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrUnknownUnit
	}
	return domain.ErrStaleWrite
}

// EnsureIndexes creates necessary indexes on the units collection.
func (r *UnitRepository) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "serial_no", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "last_telemetry_at", Value: 1}}},
	}

	_, err := r.col.Indexes().CreateMany(ctx, indexes)
	return err
}
