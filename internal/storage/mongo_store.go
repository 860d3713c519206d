package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hushh-labs/consent-protocol-sub006/internal/crypto"
)

// Mongo stores one document per vault. Non-recovery wrappers are embedded
// under wrappers.<method> so every per-method write is a single-document
// update.
type Mongo struct {
	client *mongo.Client
	vaults *mongo.Collection
	tokens *mongo.Collection
}

type mongoWrapper struct {
	ID           string           `bson:"id"`
	Cipher       crypto.Cipher    `bson:"cipher,omitempty"`
	WrappedKey   []byte           `bson:"wrapped_key"`
	Salt         []byte           `bson:"salt"`
	IV           []byte           `bson:"iv"`
	Tag          []byte           `bson:"tag"`
	KDF          crypto.KDFParams `bson:"kdf"`
	CredentialID []byte           `bson:"passkey_credential_id,omitempty"`
	PRFSalt      []byte           `bson:"passkey_prf_salt,omitempty"`
	CreatedAt    time.Time        `bson:"created_at"`
}

type mongoVault struct {
	UserID        string                  `bson:"_id"`
	KeyHash       []byte                  `bson:"vault_key_hash,omitempty"`
	PrimaryMethod string                  `bson:"primary_method"`
	Recovery      mongoWrapper            `bson:"recovery"`
	Wrappers      map[string]mongoWrapper `bson:"wrappers"`
	CreatedAt     time.Time               `bson:"created_at"`
	UpdatedAt     time.Time               `bson:"updated_at"`
}

type mongoToken struct {
	ID        string     `bson:"_id"`
	UserID    string     `bson:"user_id"`
	Scope     []string   `bson:"scope"`
	IssuedAt  time.Time  `bson:"issued_at"`
	ExpiresAt time.Time  `bson:"expires_at"`
	Revoked   bool       `bson:"revoked"`
	RevokedAt *time.Time `bson:"revoked_at,omitempty"`
}

func OpenMongo(ctx context.Context, uri, dbName string) (*Mongo, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is empty")
	}
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	// Verify connection quickly
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, err
	}

	db := cli.Database(dbName)
	tokens := db.Collection("consent_tokens")
	_, _ = tokens.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
		{Keys: bson.D{{Key: "expires_at", Value: 1}}},
	})

	return &Mongo{client: cli, vaults: db.Collection("vault_keys"), tokens: tokens}, nil
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func mongoErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return ErrExists
	case mongo.IsTimeout(err):
		return translate(op, context.DeadlineExceeded)
	}
	return translate(op, err)
}

func toMongoWrapper(w WrapperRow) mongoWrapper {
	return mongoWrapper{
		ID:           w.ID,
		Cipher:       w.Cipher,
		WrappedKey:   w.Sealed.Ciphertext,
		Salt:         w.Salt,
		IV:           w.Sealed.IV,
		Tag:          w.Sealed.Tag,
		KDF:          w.KDF,
		CredentialID: w.CredentialID,
		PRFSalt:      w.PRFSalt,
		CreatedAt:    w.CreatedAt.UTC(),
	}
}

func (mw mongoWrapper) row(userID, method string) WrapperRow {
	return WrapperRow{
		ID:           mw.ID,
		UserID:       userID,
		Method:       method,
		Cipher:       mw.Cipher,
		Sealed:       crypto.Sealed{Ciphertext: mw.WrappedKey, IV: mw.IV, Tag: mw.Tag},
		Salt:         mw.Salt,
		KDF:          mw.KDF,
		CredentialID: mw.CredentialID,
		PRFSalt:      mw.PRFSalt,
		CreatedAt:    mw.CreatedAt.UTC(),
	}
}

func (m *Mongo) CreateVault(ctx context.Context, v VaultRow, primary WrapperRow) error {
	if err := validWrapper(primary); err != nil {
		return err
	}
	if err := validWrapper(v.Recovery); err != nil {
		return err
	}
	if primary.Method == RecoveryMethod {
		return ErrInvalidInput
	}
	doc := mongoVault{
		UserID:        v.UserID,
		KeyHash:       v.KeyHash,
		PrimaryMethod: v.PrimaryMethod,
		Recovery:      toMongoWrapper(v.Recovery),
		Wrappers:      map[string]mongoWrapper{primary.Method: toMongoWrapper(primary)},
		CreatedAt:     v.CreatedAt.UTC(),
		UpdatedAt:     v.UpdatedAt.UTC(),
	}
	_, err := m.vaults.InsertOne(ctx, doc)
	return mongoErr("create vault", err)
}

func (m *Mongo) loadVault(ctx context.Context, userID string) (mongoVault, error) {
	var doc mongoVault
	err := m.vaults.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	return doc, err
}

func (m *Mongo) GetVault(ctx context.Context, userID string) (VaultRow, error) {
	doc, err := m.loadVault(ctx, userID)
	if err != nil {
		return VaultRow{}, mongoErr("get vault", err)
	}
	return VaultRow{
		UserID:        doc.UserID,
		KeyHash:       doc.KeyHash,
		PrimaryMethod: doc.PrimaryMethod,
		Recovery:      doc.Recovery.row(doc.UserID, RecoveryMethod),
		CreatedAt:     doc.CreatedAt.UTC(),
		UpdatedAt:     doc.UpdatedAt.UTC(),
	}, nil
}

func (m *Mongo) DeleteVault(ctx context.Context, userID string) error {
	res, err := m.vaults.DeleteOne(ctx, bson.M{"_id": userID})
	if err != nil {
		return mongoErr("delete vault", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) PutWrapper(ctx context.Context, w WrapperRow) error {
	if err := validWrapper(w); err != nil {
		return err
	}
	if w.Method == RecoveryMethod {
		return ErrInvalidInput
	}
	res, err := m.vaults.UpdateOne(ctx,
		bson.M{"_id": w.UserID},
		bson.M{"$set": bson.M{
			"wrappers." + w.Method: toMongoWrapper(w),
			"updated_at":           time.Now().UTC(),
		}},
	)
	if err != nil {
		return mongoErr("put wrapper", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) GetWrapper(ctx context.Context, userID, method string) (WrapperRow, error) {
	doc, err := m.loadVault(ctx, userID)
	if err != nil {
		return WrapperRow{}, mongoErr("get wrapper", err)
	}
	if method == RecoveryMethod {
		return doc.Recovery.row(userID, RecoveryMethod), nil
	}
	mw, ok := doc.Wrappers[method]
	if !ok {
		return WrapperRow{}, ErrNotFound
	}
	return mw.row(userID, method), nil
}

func (m *Mongo) ListWrappers(ctx context.Context, userID string) ([]WrapperRow, error) {
	doc, err := m.loadVault(ctx, userID)
	if err != nil {
		return nil, mongoErr("list wrappers", err)
	}
	out := make([]WrapperRow, 0, len(doc.Wrappers))
	for method, mw := range doc.Wrappers {
		out = append(out, mw.row(userID, method))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out, nil
}

// mongoDeleteAttempts bounds the read-then-conditional-write loop in
// DeleteWrapper when other writers keep changing the document.
const mongoDeleteAttempts = 5

func (m *Mongo) DeleteWrapper(ctx context.Context, userID, method string) error {
	if method == RecoveryMethod {
		return ErrLastWrapper
	}
	for attempt := 0; attempt < mongoDeleteAttempts; attempt++ {
		doc, err := m.loadVault(ctx, userID)
		if err != nil {
			return mongoErr("delete wrapper", err)
		}
		if _, ok := doc.Wrappers[method]; !ok {
			return ErrNotFound
		}
		if len(doc.Wrappers) <= 1 {
			return ErrLastWrapper
		}
		// The write applies only if the method is still there, another
		// wrapper remains, and the primary is what this read saw.
		filter := bson.M{
			"_id":                userID,
			"wrappers." + method: bson.M{"$exists": true},
			"primary_method":     doc.PrimaryMethod,
			"$expr": bson.M{"$gt": bson.A{
				bson.M{"$size": bson.M{"$objectToArray": "$wrappers"}}, 1,
			}},
		}
		set := bson.M{"updated_at": time.Now().UTC()}
		if doc.PrimaryMethod == method {
			next := nextPrimary(doc.Wrappers, method)
			set["primary_method"] = next
			filter["wrappers."+next] = bson.M{"$exists": true}
		}
		res, err := m.vaults.UpdateOne(ctx, filter, bson.M{
			"$unset": bson.M{"wrappers." + method: ""},
			"$set":   set,
		})
		if err != nil {
			return mongoErr("delete wrapper", err)
		}
		if res.MatchedCount > 0 {
			return nil
		}
	}
	return fmt.Errorf("delete wrapper: %w: document kept changing", ErrUnavailable)
}

func nextPrimary(ws map[string]mongoWrapper, removed string) string {
	others := make([]string, 0, len(ws))
	for name := range ws {
		if name != removed {
			others = append(others, name)
		}
	}
	sort.Strings(others)
	return others[0]
}

func (m *Mongo) ReplaceRecovery(ctx context.Context, userID string, w WrapperRow, keyHash []byte) error {
	if err := validWrapper(w); err != nil {
		return err
	}
	set := bson.M{
		"recovery":   toMongoWrapper(w),
		"updated_at": time.Now().UTC(),
	}
	if len(keyHash) > 0 {
		set["vault_key_hash"] = keyHash
	}
	res, err := m.vaults.UpdateOne(ctx, bson.M{"_id": userID}, bson.M{"$set": set})
	if err != nil {
		return mongoErr("replace recovery", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) PutToken(ctx context.Context, t TokenRow) error {
	if t.ID == "" || t.UserID == "" {
		return ErrInvalidInput
	}
	_, err := m.tokens.InsertOne(ctx, mongoToken{
		ID:        t.ID,
		UserID:    t.UserID,
		Scope:     t.Scopes,
		IssuedAt:  t.IssuedAt.UTC(),
		ExpiresAt: t.ExpiresAt.UTC(),
	})
	return mongoErr("put token", err)
}

func (m *Mongo) GetToken(ctx context.Context, id string) (TokenRow, error) {
	var doc mongoToken
	if err := m.tokens.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return TokenRow{}, mongoErr("get token", err)
	}
	t := TokenRow{
		ID:        doc.ID,
		UserID:    doc.UserID,
		Scopes:    doc.Scope,
		IssuedAt:  doc.IssuedAt.UTC(),
		ExpiresAt: doc.ExpiresAt.UTC(),
		Revoked:   doc.Revoked,
	}
	if doc.RevokedAt != nil {
		t.RevokedAt = doc.RevokedAt.UTC()
	}
	return t, nil
}

func (m *Mongo) RevokeToken(ctx context.Context, id string, at time.Time) error {
	res, err := m.tokens.UpdateOne(ctx,
		bson.M{"_id": id, "revoked": false},
		bson.M{"$set": bson.M{"revoked": true, "revoked_at": at.UTC()}},
	)
	if err != nil {
		return mongoErr("revoke token", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	n, err := m.tokens.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return mongoErr("revoke token", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) RevokeUserTokens(ctx context.Context, userID string, at time.Time) (int, error) {
	res, err := m.tokens.UpdateMany(ctx,
		bson.M{"user_id": userID, "revoked": false},
		bson.M{"$set": bson.M{"revoked": true, "revoked_at": at.UTC()}},
	)
	if err != nil {
		return 0, mongoErr("revoke user tokens", err)
	}
	return int(res.ModifiedCount), nil
}

func (m *Mongo) PurgeTokens(ctx context.Context, before time.Time) (int, error) {
	res, err := m.tokens.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": before.UTC()}})
	if err != nil {
		return 0, mongoErr("purge tokens", err)
	}
	return int(res.DeletedCount), nil
}

var _ Store = (*Mongo)(nil)
