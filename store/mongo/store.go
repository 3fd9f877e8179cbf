// Package mongo implements store.Store on MongoDB. Balances are kept as
// integer hundredths and mutated with $inc under a filter guard.
//
// The driver carries sessions on the context: to run engine operations in
// a transaction, pass a session context as ctx. The tx token is ignored.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/audit"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/idempotency"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/types"
)

// Collection name constants.
const (
	colAccounts    = "credit_accounts"
	colEntries     = "credit_ledger_entries"
	colAudit       = "credit_audit_records"
	colIdempotency = "credit_idempotency_records"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using MongoDB.
type Store struct {
	collection func(name string) *mongo.Collection
	ping       func(ctx context.Context) error
	close      func() error
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for account timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store on the named database of client.
func New(client *mongo.Client, database string, opts ...Option) *Store {
	db := client.Database(database)
	s := &Store{
		collection: func(name string) *mongo.Collection { return db.Collection(name) },
		ping:       func(ctx context.Context) error { return client.Ping(ctx, nil) },
		close:      func() error { return client.Disconnect(context.Background()) },
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FromGrove creates a Store on a grove database opened with the mongo
// driver, for hosts that already manage their connections through grove.
// Close closes db.
func FromGrove(db *grove.DB, opts ...Option) *Store {
	mdb := mongodriver.Unwrap(db)
	s := &Store{
		collection: func(name string) *mongo.Collection { return mdb.Collection(name) },
		ping:       func(ctx context.Context) error { return db.Ping(ctx) },
		close:      func() error { return db.Close() },
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials uri and returns a Store on database.
func Connect(ctx context.Context, uri, database string, opts ...Option) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("credits/mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("credits/mongo: ping: %w", err)
	}
	return New(client, database, opts...), nil
}

// Collection returns the named collection for direct access.
func (s *Store) Collection(name string) *mongo.Collection { return s.collection(name) }

// Migrate creates indexes for all credit collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("credits/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.ping(ctx))
}

// Close disconnects the client, or closes the grove database.
func (s *Store) Close() error {
	return s.close()
}

// ==================== Account Store ====================

func (s *Store) CreateAccount(ctx context.Context, _ types.Tx, a *account.Account) error {
	_, err := s.collection(colAccounts).InsertOne(ctx, toAccountModel(a))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return account.ErrAlreadyExists
		}
		return wrap("create account", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, _ types.Tx, accountID id.AccountID) (*account.Account, error) {
	var m accountModel
	err := s.collection(colAccounts).FindOne(ctx, bson.M{"_id": accountID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("%w: %s", account.ErrNotFound, accountID)
		}
		return nil, wrap("get account", err)
	}
	return fromAccountModel(&m)
}

func (s *Store) MutateBalance(ctx context.Context, tx types.Tx, accountID id.AccountID, delta decimal.Decimal) (*account.Account, error) {
	cents := types.ToCents(delta)
	filter := bson.M{"_id": accountID.String()}
	if cents < 0 {
		filter["balance"] = bson.M{"$gte": -cents}
	}
	update := bson.M{
		"$inc": bson.M{"balance": cents},
		"$set": bson.M{"updated_at": s.now().UTC()},
	}

	var m accountModel
	err := s.collection(colAccounts).FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err == nil {
		return fromAccountModel(&m)
	}
	if !isNoDocuments(err) {
		return nil, wrap("mutate balance", err)
	}

	// Nothing matched: either the account is missing or the guard held.
	if _, err := s.GetAccount(ctx, tx, accountID); err != nil {
		return nil, err
	}
	return nil, account.ErrInsufficientFunds
}

func (s *Store) SetTierAndBalance(ctx context.Context, _ types.Tx, accountID id.AccountID, tier string, balance decimal.Decimal, expiresAt *time.Time) (*account.Account, error) {
	set := bson.M{
		"tier":       tier,
		"balance":    types.ToCents(balance),
		"updated_at": s.now().UTC(),
	}
	update := bson.M{"$set": set}
	if expiresAt != nil {
		set["tier_expires_at"] = expiresAt.UTC()
	} else {
		update["$unset"] = bson.M{"tier_expires_at": ""}
	}

	var m accountModel
	err := s.collection(colAccounts).FindOneAndUpdate(ctx,
		bson.M{"_id": accountID.String()}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("%w: %s", account.ErrNotFound, accountID)
		}
		return nil, wrap("set tier", err)
	}
	return fromAccountModel(&m)
}

// ==================== Ledger Store ====================

func (s *Store) CreateLedgerEntry(ctx context.Context, _ types.Tx, e *entry.Entry) error {
	m, err := toEntryModel(e)
	if err != nil {
		return err
	}
	_, err = s.collection(colEntries).InsertOne(ctx, m)
	return wrap("create ledger entry", err)
}

func (s *Store) ListLedgerEntries(ctx context.Context, _ types.Tx, accountID id.AccountID, opts entry.ListOpts) ([]*entry.Entry, error) {
	filter := bson.M{"account_id": accountID.String()}
	if opts.Operation != "" {
		filter["operation"] = string(opts.Operation)
	}
	if opts.Action != "" {
		filter["action"] = opts.Action
	}
	created := bson.M{}
	if !opts.Since.IsZero() {
		created["$gte"] = opts.Since.UTC()
	}
	if !opts.Until.IsZero() {
		created["$lt"] = opts.Until.UTC()
	}
	if len(created) > 0 {
		filter["created_at"] = created
	}

	cursor, err := s.collection(colEntries).Find(ctx, filter, findOptions(opts.Limit, opts.Offset))
	if err != nil {
		return nil, wrap("list ledger entries", err)
	}

	var models []entryModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, wrap("list ledger entries", err)
	}

	result := make([]*entry.Entry, len(models))
	for i := range models {
		e, err := fromEntryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = e
	}
	return result, nil
}

// ==================== Audit Store ====================

func (s *Store) CreateAuditRecord(ctx context.Context, _ types.Tx, r *audit.Record) error {
	m, err := toAuditModel(r)
	if err != nil {
		return err
	}
	_, err = s.collection(colAudit).InsertOne(ctx, m)
	return wrap("create audit record", err)
}

func (s *Store) ListAuditRecords(ctx context.Context, _ types.Tx, accountID id.AccountID, opts audit.ListOpts) ([]*audit.Record, error) {
	filter := bson.M{"account_id": accountID.String()}
	if opts.Outcome != "" {
		filter["outcome"] = string(opts.Outcome)
	}

	cursor, err := s.collection(colAudit).Find(ctx, filter, findOptions(opts.Limit, opts.Offset))
	if err != nil {
		return nil, wrap("list audit records", err)
	}

	var models []auditModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, wrap("list audit records", err)
	}

	result := make([]*audit.Record, len(models))
	for i := range models {
		r, err := fromAuditModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = r
	}
	return result, nil
}

// ==================== Idempotency Store ====================

func (s *Store) GetIdempotencyRecord(ctx context.Context, _ types.Tx, key string) (*idempotency.Record, error) {
	var m idempotencyModel
	err := s.collection(colIdempotency).FindOne(ctx, bson.M{"_id": key}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, idempotency.ErrNotFound
		}
		return nil, wrap("get idempotency record", err)
	}
	return fromIdempotencyModel(&m), nil
}

// CreateIdempotencyRecord upserts over an expired record only. When a live
// record holds the key the filter misses, the upsert tries to insert a
// second document with the same _id and the server rejects it.
func (s *Store) CreateIdempotencyRecord(ctx context.Context, _ types.Tx, r *idempotency.Record) error {
	filter := bson.M{
		"_id":        r.Key,
		"expires_at": bson.M{"$lte": r.CreatedAt.UTC()},
	}
	update := bson.M{"$set": bson.M{
		"result":     []byte(r.Result),
		"created_at": r.CreatedAt.UTC(),
		"expires_at": r.ExpiresAt.UTC(),
	}}

	_, err := s.collection(colIdempotency).UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return idempotency.ErrDuplicateKey
		}
		return wrap("create idempotency record", err)
	}
	return nil
}

// ==================== Helpers ====================

// wrap reports network errors, timeouts and errors the server labels
// retryable as transient.
func wrap(op string, err error) error {
	return store.Wrap(op, err, isTransient)
}

func isTransient(err error) bool {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}
	var labeled mongo.LabeledError
	if errors.As(err, &labeled) {
		return labeled.HasErrorLabel("RetryableWriteError") ||
			labeled.HasErrorLabel("TransientTransactionError")
	}
	return false
}

func findOptions(limit, offset int) *options.FindOptionsBuilder {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	if offset > 0 {
		opts.SetSkip(int64(offset))
	}
	return opts
}

func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colEntries: {
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "operation", Value: 1}}},
		},
		colAudit: {
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
		},
		colIdempotency: {
			{Keys: bson.D{{Key: "expires_at", Value: 1}}},
		},
	}
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}
