package feedarchive

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"farewatch/pkg/logger"
)

const collectionName = "raw_provider_records"

// Archive stores raw provider feed entries in mongodb before normalization,
// keeping the pre-ingestion payloads available for audit until the raw
// retention window expires.
type Archive struct {
	col *mongo.Collection
	log logger.Logger
}

// NewArchive creates an archive over the given database.
func NewArchive(db *mongo.Database, log logger.Logger) *Archive {
	return &Archive{
		col: db.Collection(collectionName),
		log: log,
	}
}

type rawDocument struct {
	FlightID   string    `bson:"flight_id"`
	Provider   string    `bson:"provider"`
	Route      string    `bson:"route"`
	Schedule   string    `bson:"schedule"`
	Pricing    string    `bson:"pricing"`
	CapturedAt time.Time `bson:"captured_at"`
	ArchivedAt time.Time `bson:"archived_at"`
}

// Store saves one raw feed entry. Blobs are stored verbatim.
func (a *Archive) Store(ctx context.Context, flightID, provider, route string, schedule, pricing []byte, capturedAt time.Time) error {
	doc := rawDocument{
		FlightID:   flightID,
		Provider:   provider,
		Route:      route,
		Schedule:   string(schedule),
		Pricing:    string(pricing),
		CapturedAt: capturedAt,
		ArchivedAt: time.Now(),
	}

	if _, err := a.col.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to archive raw record: %w", err)
	}
	return nil
}

// PurgeOlderThan deletes archived entries captured before cutoff.
func (a *Archive) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := a.col.DeleteMany(ctx, bson.M{"captured_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("failed to purge raw archive: %w", err)
	}
	if res.DeletedCount > 0 {
		a.log.Info("purged raw feed archive", "deleted", res.DeletedCount, "cutoff", cutoff)
	}
	return res.DeletedCount, nil
}
