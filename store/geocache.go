package store

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type geoEntry struct {
	ID      string `bson:"_id"`
	Country string `bson:"country"`
}

// GeoCache is the persistent coordinate-to-country cache backing the
// geocoder. First writer wins; entries are never invalidated.
type GeoCache struct {
	db *mongo.Database
}

func (s *Store) GeoCache() *GeoCache {
	return &GeoCache{db: s.db}
}

func (g *GeoCache) Get(ctx context.Context, key string) (string, bool, error) {
	var entry geoEntry
	err := g.db.Collection(colGeoCache).FindOne(ctx, bson.M{"_id": key}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return entry.Country, true, nil
}

func (g *GeoCache) Put(ctx context.Context, key, country string) error {
	_, err := g.db.Collection(colGeoCache).InsertOne(ctx, geoEntry{ID: key, Country: country})
	if mongo.IsDuplicateKeyError(err) {
		// Another writer got there first, keep its value.
		return nil
	}
	return err
}
