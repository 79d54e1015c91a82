// Package mongostore implements the phazeid store interfaces on MongoDB.
//
// Conditional writes are expressed as single-document filters (guards) or
// aggregation pipeline updates, so each security-relevant mutation is one
// atomic server-side operation.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/phazeid/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	usersCollection    = "users"
	sessionsCollection = "sessions"
	appsCollection     = "oauth_apps"
	codesCollection    = "oauth_codes"
	grantsCollection   = "oauth_sessions"
	expiredCollection  = "expired_sessions"

	// ExpiredRetention is how long a purged session id keeps resolving to
	// store.ErrExpired.
	ExpiredRetention = 2629800 * time.Second
)

// Store implements store.Store and store.Sessions on one database.
type Store struct {
	client   *mongo.Client
	users    *mongo.Collection
	sessions *mongo.Collection
	expired  *mongo.Collection
	apps     *mongo.Collection
	codes    *mongo.Collection
	grants   *mongo.Collection
}

var (
	_ store.Store    = (*Store)(nil)
	_ store.Sessions = (*Store)(nil)
)

// Connect dials uri, verifies the connection with a ping and returns a
// Store bound to database.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}

	return New(client, database), nil
}

// New wraps an existing client.
func New(client *mongo.Client, database string) *Store {
	db := client.Database(database)
	return &Store{
		client:   client,
		users:    db.Collection(usersCollection),
		sessions: db.Collection(sessionsCollection),
		expired:  db.Collection(expiredCollection),
		apps:     db.Collection(appsCollection),
		codes:    db.Collection(codesCollection),
		grants:   db.Collection(grantsCollection),
	}
}

// EnsureIndexes creates the unique and lookup indexes the store relies on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	plan := map[*mongo.Collection][]mongo.IndexModel{
		s.users: {
			{Keys: bson.D{{Key: "username", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "apps_to_delete_data", Value: 1}}},
		},
		s.sessions: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "expires_on", Value: 1}}},
		},
		s.expired: {
			{
				Keys:    bson.D{{Key: "purged_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(int32(ExpiredRetention / time.Second)),
			},
		},
		s.apps: {
			{Keys: bson.D{{Key: "owner_id", Value: 1}}},
		},
		s.codes: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "app_id", Value: 1}, {Key: "refresh", Value: 1}}},
		},
		s.grants: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "app_id", Value: 1}}},
		},
	}
	for coll, models := range plan {
		if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("mongostore: indexes %s: %w", coll.Name(), err)
		}
	}
	return nil
}

// Disconnect closes the underlying client.
func (s *Store) Disconnect(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping checks server availability.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.ErrNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		return &store.DuplicateError{Field: duplicateField(err)}
	}
	return fmt.Errorf("mongostore: %w", err)
}

func duplicateField(err error) string {
	msg := err.Error()
	for _, field := range []string{"username", "email"} {
		if strings.Contains(msg, field+"_1") {
			return field
		}
	}
	return "_id"
}

func findOne[T any](ctx context.Context, coll *mongo.Collection, filter bson.D) (*T, error) {
	var out T
	if err := coll.FindOne(ctx, filter).Decode(&out); err != nil {
		return nil, translate(err)
	}
	return &out, nil
}

func findAll[T any](ctx context.Context, coll *mongo.Collection, filter bson.D, opts ...*options.FindOptions) ([]*T, error) {
	cur, err := coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, translate(err)
	}
	defer cur.Close(ctx)

	var out []*T
	for cur.Next(ctx) {
		var v T
		if err := cur.Decode(&v); err != nil {
			return nil, translate(err)
		}
		out = append(out, &v)
	}
	return out, translate(cur.Err())
}

func byCreated(field string) *options.FindOptions {
	return options.Find().SetSort(bson.D{{Key: field, Value: 1}})
}
