package mongostore

import (
	"context"

	"github.com/MrEthical07/phazeid/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func (s *Store) CreateUser(ctx context.Context, u *store.User) error {
	if u.BackupCodes == nil {
		u.BackupCodes = []string{}
	}
	if u.AllowedApps == nil {
		u.AllowedApps = []string{}
	}
	if u.AppsToDeleteData == nil {
		u.AppsToDeleteData = []string{}
	}
	_, err := s.users.InsertOne(ctx, u)
	return translate(err)
}

func (s *Store) UserByID(ctx context.Context, id string) (*store.User, error) {
	return findOne[store.User](ctx, s.users, bson.D{{Key: "_id", Value: id}})
}

func (s *Store) UserByUsername(ctx context.Context, username string) (*store.User, error) {
	return findOne[store.User](ctx, s.users, bson.D{{Key: "username", Value: username}})
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*store.User, error) {
	return findOne[store.User](ctx, s.users, bson.D{{Key: "email", Value: email}})
}

func (s *Store) UpdateUser(ctx context.Context, id string, guard store.Guard, update store.UserUpdate) (bool, error) {
	doc := userUpdateDoc(update)
	if len(doc) == 0 {
		return false, nil
	}

	res, err := s.users.UpdateOne(ctx, guardFilter(id, guard), doc)
	if err != nil {
		return false, translate(err)
	}
	return res.MatchedCount == 1, nil
}

func guardFilter(id string, g store.Guard) bson.D {
	filter := bson.D{{Key: "_id", Value: id}}
	if g.HasMFA != nil {
		filter = append(filter, bson.E{Key: "has_mfa", Value: *g.HasMFA})
	}
	if g.MFASecret != nil {
		filter = append(filter, bson.E{Key: "mfa_string", Value: *g.MFASecret})
	}
	if field := store.CooldownBSONField(g.Cooldown); field != "" {
		filter = append(filter, bson.E{Key: field, Value: bson.D{{Key: "$lte", Value: g.NotAfter}}})
	}
	if g.PasswordResetHash != nil {
		filter = append(filter, bson.E{Key: "password_change_token", Value: *g.PasswordResetHash})
	}
	if g.PendingEmailCode != nil {
		filter = append(filter, bson.E{Key: "email_update.code", Value: *g.PendingEmailCode})
	}
	return filter
}

func userUpdateDoc(up store.UserUpdate) bson.D {
	var set, unset bson.D
	add := func(key string, v any) { set = append(set, bson.E{Key: key, Value: v}) }

	if up.Username != nil {
		add("username", *up.Username)
	}
	if up.PasswordHash != nil {
		add("password", *up.PasswordHash)
	}
	if up.Email != nil {
		add("email", *up.Email)
	}
	if up.EmailVerified != nil {
		add("email_verified", *up.EmailVerified)
	}
	if up.EmailVerificationCode != nil {
		add("email_verification_code", *up.EmailVerificationCode)
	}
	if up.PendingEmail != nil {
		add("email_update", *up.PendingEmail)
	} else if up.ClearPendingEmail {
		unset = append(unset, bson.E{Key: "email_update", Value: ""})
	}
	if up.MFASecret != nil {
		add("mfa_string", *up.MFASecret)
	}
	if up.HasMFA != nil {
		add("has_mfa", *up.HasMFA)
	}
	if up.BackupCodes != nil {
		codes := *up.BackupCodes
		if codes == nil {
			codes = []string{}
		}
		add("backup_codes", codes)
	}
	if up.LastUsernameChange != nil {
		add("last_username_change", *up.LastUsernameChange)
	}
	if up.LastEmailChange != nil {
		add("last_email_change", *up.LastEmailChange)
	}
	if up.LastPasswordChange != nil {
		add("last_password_change", *up.LastPasswordChange)
	}
	if up.LastAvatarChange != nil {
		add("last_avatar_change", *up.LastAvatarChange)
	}
	if up.Avatar != nil {
		add("avatar", *up.Avatar)
	}
	if up.PasswordResetHash != nil {
		add("password_change_token", *up.PasswordResetHash)
	}
	if up.PasswordResetIssued != nil {
		add("password_change_token_generated", *up.PasswordResetIssued)
	}
	if up.DeletionFlaggedAfter != nil {
		add("deletion_flagged_after", *up.DeletionFlaggedAfter)
	}

	var doc bson.D
	if len(set) > 0 {
		doc = append(doc, bson.E{Key: "$set", Value: set})
	}
	if len(unset) > 0 {
		doc = append(doc, bson.E{Key: "$unset", Value: unset})
	}
	return doc
}

// unlockedAt matches accounts that are not locked or whose lock ended at
// or before now.
func unlockedAt(now int64) bson.D {
	return bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "account_locked", Value: bson.D{{Key: "$ne", Value: true}}}},
		bson.D{{Key: "locked_until", Value: bson.D{{Key: "$lte", Value: now}}}},
	}}}
}

// RecordLoginFailure runs as one pipeline update: every $cond in the stage
// reads the document as it was before the write, and the returned pre-image
// is the exact input of that write.
func (s *Store) RecordLoginFailure(ctx context.Context, id string, threshold int, now, lockUntil int64) (store.LoginState, error) {
	open := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "$ne", Value: bson.A{"$account_locked", true}}},
		bson.D{{Key: "$lte", Value: bson.A{bson.D{{Key: "$ifNull", Value: bson.A{"$locked_until", 0}}}, now}}},
	}}}
	next := bson.D{{Key: "$add", Value: bson.A{bson.D{{Key: "$ifNull", Value: bson.A{"$login_attempts", 0}}}, 1}}}
	tripping := bson.D{{Key: "$gte", Value: bson.A{next, threshold}}}
	cond := func(test, then, otherwise any) bson.D {
		return bson.D{{Key: "$cond", Value: bson.A{test, then, otherwise}}}
	}

	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "account_locked", Value: cond(open, tripping, "$account_locked")},
			{Key: "locked_until", Value: cond(open, cond(tripping, lockUntil, int64(0)), "$locked_until")},
			{Key: "login_attempts", Value: cond(open, cond(tripping, 0, next), "$login_attempts")},
		}}},
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)
	var before store.User
	if err := s.users.FindOneAndUpdate(ctx, bson.D{{Key: "_id", Value: id}}, pipeline, opts).Decode(&before); err != nil {
		return store.LoginState{}, translate(err)
	}

	if before.AccountLocked && before.LockedUntil > now {
		return store.LoginState{Locked: true, LockedUntil: before.LockedUntil}, nil
	}
	attempts := before.LoginAttempts + 1
	if attempts >= threshold {
		return store.LoginState{Locked: true, LockedUntil: lockUntil, Tripped: true}, nil
	}
	return store.LoginState{Attempts: attempts}, nil
}

func (s *Store) RecordLoginSuccess(ctx context.Context, id string, now int64) (store.LoginState, error) {
	filter := append(bson.D{{Key: "_id", Value: id}}, unlockedAt(now)...)
	res, err := s.users.UpdateOne(ctx, filter,
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "login_attempts", Value: 0},
			{Key: "account_locked", Value: false},
			{Key: "locked_until", Value: int64(0)},
		}}},
	)
	if err != nil {
		return store.LoginState{}, translate(err)
	}
	if res.MatchedCount == 1 {
		return store.LoginState{}, nil
	}

	u, err := s.UserByID(ctx, id)
	if err != nil {
		return store.LoginState{}, err
	}
	return store.LoginState{Locked: true, LockedUntil: u.LockedUntil}, nil
}

func (s *Store) ConsumeBackupCode(ctx context.Context, id, hash string) (bool, error) {
	res, err := s.users.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}, {Key: "backup_codes", Value: hash}},
		bson.D{{Key: "$pull", Value: bson.D{{Key: "backup_codes", Value: hash}}}},
	)
	if err != nil {
		return false, translate(err)
	}
	return res.ModifiedCount == 1, nil
}

func (s *Store) AddAllowedApp(ctx context.Context, id, appID string) error {
	_, err := s.users.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$addToSet", Value: bson.D{{Key: "allowed_apps", Value: appID}}}},
	)
	return translate(err)
}

func (s *Store) RevokeAllowedApp(ctx context.Context, id, appID string) error {
	_, err := s.users.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{
			{Key: "$pull", Value: bson.D{{Key: "allowed_apps", Value: appID}}},
			{Key: "$addToSet", Value: bson.D{{Key: "apps_to_delete_data", Value: appID}}},
		},
	)
	return translate(err)
}

func (s *Store) UsersPendingAppDeletion(ctx context.Context, appID string) ([]string, error) {
	opts := options.Find().SetProjection(bson.D{{Key: "_id", Value: 1}}).SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := s.users.Find(ctx, bson.D{{Key: "apps_to_delete_data", Value: appID}}, opts)
	if err != nil {
		return nil, translate(err)
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var row struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, translate(err)
		}
		ids = append(ids, row.ID)
	}
	return ids, translate(cur.Err())
}

func (s *Store) SetLinkedSecret(ctx context.Context, id, name string, blob []byte) error {
	key := "linked_secrets." + name
	update := bson.D{{Key: "$set", Value: bson.D{{Key: key, Value: blob}}}}
	if blob == nil {
		update = bson.D{{Key: "$unset", Value: bson.D{{Key: key, Value: ""}}}}
	}

	res, err := s.users.UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, update)
	if err != nil {
		return translate(err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}
