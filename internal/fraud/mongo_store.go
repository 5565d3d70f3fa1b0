package fraud

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/mbd888/fraudwatch/internal/idgen"
)

// Collection names.
const (
	transactionsCollection = "transactions"
	flaggedCollection      = "flagged_transactions"
)

// MongoStore persists transactions and flags in MongoDB. Unique indexes on
// transaction_id and (transaction_id, fraud_type) enforce the store invariants.
type MongoStore struct {
	client  *mongo.Client
	txs     *mongo.Collection
	flagged *mongo.Collection
}

// Compile-time check.
var _ Store = (*MongoStore)(nil)

type transactionDoc struct {
	TransactionID string               `bson:"transaction_id"`
	UserID        string               `bson:"user_id"`
	Amount        primitive.Decimal128 `bson:"amount"`
	Timestamp     time.Time            `bson:"timestamp"`
	Merchant      string               `bson:"merchant"`
	Location      string               `bson:"location"`
	IsFlagged     bool                 `bson:"is_flagged"`
	FraudType     *string              `bson:"fraud_type"`
}

type flagDoc struct {
	ID            string               `bson:"_id"`
	TransactionID string               `bson:"transaction_id"`
	UserID        string               `bson:"user_id"`
	FraudType     string               `bson:"fraud_type"`
	Amount        primitive.Decimal128 `bson:"amount"`
	Location      string               `bson:"location"`
	Timestamp     time.Time            `bson:"timestamp"`
}

// NewMongoStore creates a store on the given database.
func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	db := client.Database(database)
	return &MongoStore{
		client:  client,
		txs:     db.Collection(transactionsCollection),
		flagged: db.Collection(flaggedCollection),
	}
}

// EnsureIndexes creates the unique and range-query indexes.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := m.txs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "transaction_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create transaction indexes: %w", err)
	}
	_, err = m.flagged.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "transaction_id", Value: 1}, {Key: "fraud_type", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "timestamp", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create flag indexes: %w", err)
	}
	return nil
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	return primitive.ParseDecimal128(d.String())
}

func fromDecimal128(d primitive.Decimal128) decimal.Decimal {
	v, err := decimal.NewFromString(d.String())
	if err != nil {
		return decimal.Zero
	}
	return v
}

func (d *transactionDoc) transaction() *Transaction {
	return &Transaction{
		TransactionID: d.TransactionID,
		UserID:        d.UserID,
		Amount:        fromDecimal128(d.Amount),
		Timestamp:     d.Timestamp,
		Merchant:      d.Merchant,
		Location:      d.Location,
		IsFlagged:     d.IsFlagged,
		FraudType:     d.FraudType,
	}
}

func (d *flagDoc) flag() *FlaggedTransaction {
	return &FlaggedTransaction{
		ID:            d.ID,
		TransactionID: d.TransactionID,
		UserID:        d.UserID,
		FraudType:     d.FraudType,
		Amount:        fromDecimal128(d.Amount),
		Location:      d.Location,
		Timestamp:     d.Timestamp,
	}
}

func (m *MongoStore) ResolveTransaction(ctx context.Context, tx *Transaction) (*Transaction, bool, error) {
	amount, err := toDecimal128(tx.Amount)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode amount: %w", err)
	}
	doc := transactionDoc{
		TransactionID: tx.TransactionID,
		UserID:        tx.UserID,
		Amount:        amount,
		Timestamp:     tx.Timestamp.UTC(),
		Merchant:      tx.Merchant,
		Location:      tx.Location,
	}
	_, err = m.txs.InsertOne(ctx, doc)
	if err == nil {
		return doc.transaction(), true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, false, fmt.Errorf("failed to insert transaction: %w", err)
	}

	existing, err := m.GetTransaction(ctx, tx.TransactionID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (m *MongoStore) GetTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	var doc transactionDoc
	err := m.txs.FindOne(ctx, bson.M{"transaction_id": transactionID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return doc.transaction(), nil
}

func (m *MongoStore) ListUserTransactions(ctx context.Context, userID string, from, to time.Time) ([]*Transaction, error) {
	filter := bson.M{
		"user_id":   userID,
		"timestamp": bson.M{"$gte": from.UTC(), "$lte": to.UTC()},
	}
	return m.findTransactions(ctx, filter)
}

func (m *MongoStore) ListTransactionsSince(ctx context.Context, since time.Time) ([]*Transaction, error) {
	return m.findTransactions(ctx, bson.M{"timestamp": bson.M{"$gte": since.UTC()}})
}

func (m *MongoStore) findTransactions(ctx context.Context, filter bson.M) ([]*Transaction, error) {
	cur, err := m.txs.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to find transactions: %w", err)
	}
	var docs []transactionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode transactions: %w", err)
	}
	result := make([]*Transaction, 0, len(docs))
	for i := range docs {
		result = append(result, docs[i].transaction())
	}
	return result, nil
}

func (m *MongoStore) LatestTimestamp(ctx context.Context) (time.Time, error) {
	var doc transactionDoc
	err := m.txs.FindOne(ctx, bson.M{},
		options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get latest timestamp: %w", err)
	}
	return doc.Timestamp, nil
}

// RecordFlag inserts the flag first so a crash between the two writes can
// only leave a flag without is_flagged, never the reverse.
func (m *MongoStore) RecordFlag(ctx context.Context, tx *Transaction, fraudType string) (*FlaggedTransaction, bool, error) {
	amount, err := toDecimal128(tx.Amount)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode amount: %w", err)
	}
	doc := flagDoc{
		ID:            idgen.FlagID(),
		TransactionID: tx.TransactionID,
		UserID:        tx.UserID,
		FraudType:     fraudType,
		Amount:        amount,
		Location:      tx.Location,
		Timestamp:     tx.Timestamp.UTC(),
	}
	if _, err := m.flagged.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to insert flag: %w", err)
	}

	res, err := m.txs.UpdateOne(ctx,
		bson.M{"transaction_id": tx.TransactionID},
		bson.M{"$set": bson.M{"is_flagged": true, "fraud_type": fraudType}},
	)
	if err == nil && res.MatchedCount == 0 {
		err = ErrTransactionNotFound
	}
	if err != nil {
		_, _ = m.flagged.DeleteOne(ctx, bson.M{"_id": doc.ID})
		return nil, false, fmt.Errorf("failed to mark transaction flagged: %w", err)
	}
	return doc.flag(), true, nil
}

func (m *MongoStore) ListFlagged(ctx context.Context, userID string, limit int) ([]*FlaggedTransaction, error) {
	if limit <= 0 {
		limit = DefaultFlaggedLimit
	}
	filter := bson.M{}
	if userID != "" {
		filter["user_id"] = userID
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(limit))

	cur, err := m.flagged.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list flagged transactions: %w", err)
	}
	var docs []flagDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode flagged transactions: %w", err)
	}
	result := make([]*FlaggedTransaction, 0, len(docs))
	for i := range docs {
		result = append(result, docs[i].flag())
	}
	return result, nil
}

func (m *MongoStore) Stats(ctx context.Context) (*Stats, error) {
	count := func(match string) (int, error) {
		filter := bson.M{}
		if match != "" {
			filter["fraud_type"] = primitive.Regex{Pattern: regexp.QuoteMeta(match)}
		}
		n, err := m.flagged.CountDocuments(ctx, filter)
		return int(n), err
	}

	var (
		s   Stats
		err error
	)
	if s.TotalFlagged, err = count(""); err != nil {
		return nil, fmt.Errorf("failed to count flags: %w", err)
	}
	if s.HighFrequency, err = count(matchHighFrequency); err != nil {
		return nil, fmt.Errorf("failed to count flags: %w", err)
	}
	if s.HighAmount, err = count(matchHighAmount); err != nil {
		return nil, fmt.Errorf("failed to count flags: %w", err)
	}
	if s.RapidLocation, err = count(matchRapidLocation); err != nil {
		return nil, fmt.Errorf("failed to count flags: %w", err)
	}
	return &s, nil
}

// Ping reports whether the primary is reachable.
func (m *MongoStore) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}
