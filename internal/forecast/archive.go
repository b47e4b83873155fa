package forecast

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// archiveIndexName is the unique (region_code, analysis_ms) index.
const archiveIndexName = "region_analysis_unique"

// archiveDocument is the stored shape of one archived run.
type archiveDocument struct {
	RegionCode string    `bson:"region_code"`
	AnalysisMs int64     `bson:"analysis_ms"`
	Source     string    `bson:"source"`
	FetchedAt  time.Time `bson:"fetched_at"`
	Slots      int       `bson:"slots"`
	Payload    any       `bson:"payload"`
}

// MongoArchive keeps the raw upstream body of every run, first write wins.
type MongoArchive struct {
	collection *mongo.Collection
	log        *zap.SugaredLogger
}

// NewMongoArchive archives into collection.
func NewMongoArchive(collection *mongo.Collection, log *zap.SugaredLogger) *MongoArchive {
	return &MongoArchive{collection: collection, log: log}
}

// EnsureIndexes creates the unique (region_code, analysis_ms) index.
func (a *MongoArchive) EnsureIndexes(ctx context.Context) error {
	_, err := a.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "region_code", Value: 1}, {Key: "analysis_ms", Value: 1}},
		Options: options.Index().SetUnique(true).SetName(archiveIndexName),
	})
	if err != nil {
		return fmt.Errorf("ensure archive index: %w", err)
	}
	a.log.Infow("mongo index ensured", "collection", a.collection.Name(), "index", archiveIndexName)
	return nil
}

// Archive inserts the payload of f unless the same analysis is already stored.
// It reports whether a new document was written.
func (a *MongoArchive) Archive(ctx context.Context, f Forecast, fetchedAt time.Time) (bool, error) {
	doc := archiveDocument{
		RegionCode: f.RegionCode,
		AnalysisMs: f.AnalysisAt.UnixMilli(),
		Source:     f.Source,
		FetchedAt:  fetchedAt.UTC(),
		Slots:      len(f.Predictions),
		Payload:    payloadValue(f.Raw),
	}
	res, err := a.collection.UpdateOne(
		ctx,
		bson.M{"region_code": doc.RegionCode, "analysis_ms": doc.AnalysisMs},
		bson.M{"$setOnInsert": doc},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, fmt.Errorf("archive forecast region=%s: %w", f.RegionCode, err)
	}
	return res.UpsertedCount > 0, nil
}

// payloadValue stores JSON bodies as documents and anything else as a string.
func payloadValue(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var doc bson.M
	if err := bson.UnmarshalExtJSON(raw, false, &doc); err == nil {
		return doc
	}
	return string(raw)
}
