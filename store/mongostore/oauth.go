package mongostore

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/phazeid/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

/* ==== SESSIONS ==== */

func (s *Store) CreateSession(ctx context.Context, sess *store.Session) error {
	_, err := s.sessions.InsertOne(ctx, sess)
	return translate(err)
}

// SessionByID falls back to the expired_sessions tombstones so a purged
// session reports store.ErrExpired.
func (s *Store) SessionByID(ctx context.Context, id string) (*store.Session, error) {
	sess, err := findOne[store.Session](ctx, s.sessions, bson.D{{Key: "_id", Value: id}})
	if !errors.Is(err, store.ErrNotFound) {
		return sess, err
	}
	n, cerr := s.expired.CountDocuments(ctx, bson.D{{Key: "_id", Value: id}})
	if cerr != nil {
		return nil, translate(cerr)
	}
	if n > 0 {
		return nil, store.ErrExpired
	}
	return nil, store.ErrNotFound
}

func (s *Store) UserSessions(ctx context.Context, userID string) ([]*store.Session, error) {
	return findAll[store.Session](ctx, s.sessions, bson.D{{Key: "user_id", Value: userID}}, byCreated("created_on"))
}

func (s *Store) MarkSessionValid(ctx context.Context, id string, expiresAt int64) error {
	res, err := s.sessions.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "valid", Value: true},
			{Key: "expires_on", Value: expiresAt},
		}}},
	)
	if err != nil {
		return translate(err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.sessions.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}}); err != nil {
		return translate(err)
	}
	_, err := s.expired.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	return translate(err)
}

func (s *Store) DeleteUserSessions(ctx context.Context, userID string) error {
	if _, err := s.sessions.DeleteMany(ctx, bson.D{{Key: "user_id", Value: userID}}); err != nil {
		return translate(err)
	}
	_, err := s.expired.DeleteMany(ctx, bson.D{{Key: "user_id", Value: userID}})
	return translate(err)
}

// DeleteExpiredSessions writes a tombstone for each expired session before
// deleting it. The tombstones age out through the purged_at TTL index.
func (s *Store) DeleteExpiredSessions(ctx context.Context, userID string, now int64) (int, error) {
	filter := bson.D{
		{Key: "user_id", Value: userID},
		{Key: "expires_on", Value: bson.D{{Key: "$lt", Value: now}}},
	}
	cur, err := s.sessions.Find(ctx, filter, options.Find().SetProjection(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return 0, translate(err)
	}
	var rows []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return 0, translate(err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	purgedAt := time.Unix(now, 0)
	ids := make(bson.A, 0, len(rows))
	tombstones := make([]any, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
		tombstones = append(tombstones, bson.D{
			{Key: "_id", Value: row.ID},
			{Key: "user_id", Value: userID},
			{Key: "purged_at", Value: purgedAt},
		})
	}
	if _, err := s.expired.InsertMany(ctx, tombstones, options.InsertMany().SetOrdered(false)); err != nil && !mongo.IsDuplicateKeyError(err) {
		return 0, translate(err)
	}

	res, err := s.sessions.DeleteMany(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}})
	if err != nil {
		return 0, translate(err)
	}
	return int(res.DeletedCount), nil
}

func (s *Store) DeleteUnverifiedSessions(ctx context.Context, userID string) (int, error) {
	res, err := s.sessions.DeleteMany(ctx, bson.D{
		{Key: "user_id", Value: userID},
		{Key: "valid", Value: false},
	})
	if err != nil {
		return 0, translate(err)
	}
	return int(res.DeletedCount), nil
}

/* ==== APPS ==== */

func (s *Store) CreateApp(ctx context.Context, a *store.App) error {
	_, err := s.apps.InsertOne(ctx, a)
	return translate(err)
}

func (s *Store) AppByID(ctx context.Context, id string) (*store.App, error) {
	return findOne[store.App](ctx, s.apps, bson.D{{Key: "_id", Value: id}})
}

func (s *Store) AppsByOwner(ctx context.Context, ownerID string) ([]*store.App, error) {
	return findAll[store.App](ctx, s.apps, bson.D{{Key: "owner_id", Value: ownerID}}, byCreated("created_at"))
}

/* ==== CODES ==== */

// ReplaceCode is a delete followed by an insert. The two writes are not
// transactional; a concurrent authorize for the same pair can leave two
// codes until the next replacement.
func (s *Store) ReplaceCode(ctx context.Context, c *store.Code) error {
	if err := s.DeleteUserAppCodes(ctx, c.UserID, c.AppID); err != nil {
		return err
	}
	_, err := s.codes.InsertOne(ctx, c)
	return translate(err)
}

func (s *Store) CodeByID(ctx context.Context, id string) (*store.Code, error) {
	return findOne[store.Code](ctx, s.codes, bson.D{{Key: "_id", Value: id}})
}

func (s *Store) ConsumeCode(ctx context.Context, id string) (bool, error) {
	res, err := s.codes.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return false, translate(err)
	}
	return res.DeletedCount == 1, nil
}

func (s *Store) DeleteUserAppCodes(ctx context.Context, userID, appID string) error {
	_, err := s.codes.DeleteMany(ctx, bson.D{{Key: "user_id", Value: userID}, {Key: "app_id", Value: appID}})
	return translate(err)
}

func (s *Store) DeleteUserCodes(ctx context.Context, userID string) error {
	_, err := s.codes.DeleteMany(ctx, bson.D{{Key: "user_id", Value: userID}})
	return translate(err)
}

/* ==== GRANTS ==== */

func (s *Store) ReplaceGrant(ctx context.Context, g *store.Grant) error {
	if err := s.DeleteUserAppGrants(ctx, g.UserID, g.AppID); err != nil {
		return err
	}
	_, err := s.grants.InsertOne(ctx, g)
	return translate(err)
}

func (s *Store) GrantByID(ctx context.Context, id string) (*store.Grant, error) {
	return findOne[store.Grant](ctx, s.grants, bson.D{{Key: "_id", Value: id}})
}

func (s *Store) UserGrants(ctx context.Context, userID string) ([]*store.Grant, error) {
	return findAll[store.Grant](ctx, s.grants, bson.D{{Key: "user_id", Value: userID}}, byCreated("created_on"))
}

func (s *Store) DeleteGrant(ctx context.Context, id string) error {
	_, err := s.grants.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	return translate(err)
}

func (s *Store) DeleteUserAppGrants(ctx context.Context, userID, appID string) error {
	_, err := s.grants.DeleteMany(ctx, bson.D{{Key: "user_id", Value: userID}, {Key: "app_id", Value: appID}})
	return translate(err)
}

func (s *Store) DeleteUserGrants(ctx context.Context, userID string) error {
	_, err := s.grants.DeleteMany(ctx, bson.D{{Key: "user_id", Value: userID}})
	return translate(err)
}
