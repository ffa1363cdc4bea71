package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/oku-ride/internal/models"
)

// pingDoc is the location_history document shape. Location is GeoJSON so the
// collection can carry a 2dsphere index.
type pingDoc struct {
	DriverID   string    `bson:"driver_id"`
	RideID     string    `bson:"ride_id,omitempty"`
	Location   geoPoint  `bson:"location"`
	Speed      float64   `bson:"speed"`
	Heading    float64   `bson:"heading"`
	Accuracy   float64   `bson:"accuracy"`
	Timestamp  time.Time `bson:"timestamp"`
	ArchivedAt time.Time `bson:"archived_at"`
}

type geoPoint struct {
	Type        string    `bson:"type"`
	Coordinates []float64 `bson:"coordinates"`
}

// MongoArchive appends every ping to a history collection. Unlike PingStore
// it keeps pings past the retention window for audit.
type MongoArchive struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func NewMongoArchive(ctx context.Context, uri, database string) (*MongoArchive, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	coll := client.Database(database).Collection("location_history")
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "driver_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "location", Value: "2dsphere"}}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create indexes: %w", err)
	}
	return &MongoArchive{client: client, coll: coll}, nil
}

func (a *MongoArchive) Archive(ctx context.Context, p models.LocationPing) error {
	_, err := a.coll.InsertOne(ctx, toPingDoc(p, time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("archive ping %s: %w", p.DriverID, err)
	}
	return nil
}

func (a *MongoArchive) Ping(ctx context.Context) error { return a.client.Ping(ctx, nil) }

func (a *MongoArchive) Close(ctx context.Context) error { return a.client.Disconnect(ctx) }

func toPingDoc(p models.LocationPing, archivedAt time.Time) pingDoc {
	return pingDoc{
		DriverID:   p.DriverID,
		RideID:     p.RideID,
		Location:   geoPoint{Type: "Point", Coordinates: []float64{p.Lng, p.Lat}},
		Speed:      p.Speed,
		Heading:    p.Heading,
		Accuracy:   p.Accuracy,
		Timestamp:  p.Timestamp,
		ArchivedAt: archivedAt,
	}
}
