package kvstore

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	defaultMongoDatabase = "reportsched"
	mongoCollection      = "kv_entries"
)

type mongoEntry struct {
	Key       string     `bson:"_id"`
	Value     []byte     `bson:"value"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty"`
	UpdatedAt time.Time  `bson:"updated_at"`
}

// Mongo stores one document per key. A TTL index on expires_at lets the server reap
// expired documents; reads filter them too because the reaper runs only once a minute.
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
	opts   Options
}

// OpenMongo connects to uri and ensures the TTL index exists. The database is taken
// from the URI path and defaults to "reportsched".
func OpenMongo(ctx context.Context, uri string, opts Options) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetConnectTimeout(10*time.Second))
	if err != nil {
		return nil, dependencyErr(err, "kvstore: connect mongo")
	}

	m := &Mongo{
		client: client,
		coll:   client.Database(mongoDatabase(uri)).Collection(mongoCollection),
		opts:   opts,
	}
	if err := m.Ping(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	_, err = m.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetName("kv_entries_ttl").SetExpireAfterSeconds(0),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, dependencyErr(err, "kvstore: create mongo ttl index")
	}
	return m, nil
}

func mongoDatabase(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return defaultMongoDatabase
	}
	if db := strings.Trim(u.Path, "/"); db != "" {
		return db
	}
	return defaultMongoDatabase
}

func (m *Mongo) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var doc mongoEntry
	err := m.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, dependencyErr(err, "kvstore: mongo get %s", key)
	}
	if doc.ExpiresAt != nil && !m.opts.now().Before(*doc.ExpiresAt) {
		return nil, false, nil
	}
	return doc.Value, true, nil
}

func (m *Mongo) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := m.opts.now()
	doc := mongoEntry{Key: key, Value: value, UpdatedAt: now.UTC()}
	if doc.Value == nil {
		doc.Value = []byte{}
	}
	if ttl > 0 {
		at := now.Add(ttl).UTC()
		doc.ExpiresAt = &at
	}

	_, err := m.coll.ReplaceOne(ctx, bson.M{"_id": key}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return dependencyErr(err, "kvstore: mongo set %s", key)
	}
	return nil
}

func (m *Mongo) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return dependencyErr(err, "kvstore: mongo ping")
	}
	return nil
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
