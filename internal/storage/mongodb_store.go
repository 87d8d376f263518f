package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CedrosPay/entitlements/internal/purchases"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBStore implements Store using a MongoDB collection keyed by transaction ID.
type MongoDBStore struct {
	client       *mongo.Client
	collection   *mongo.Collection
	queryTimeout time.Duration
}

// mongoPurchase mirrors the SQL layout: epoch-second timestamps, transaction ID as _id.
type mongoPurchase struct {
	TransactionID   string  `bson:"_id"`
	ProductID       string  `bson:"product_id"`
	PurchasedAt     int64   `bson:"purchased_at"`
	Price           float64 `bson:"price"`
	CurrencyCode    string  `bson:"currency_code"`
	IsVerified      bool    `bson:"is_verified"`
	IsSynced        bool    `bson:"is_synced"`
	SyncedAt        *int64  `bson:"synced_at,omitempty"`
	VerificationKey string  `bson:"verification_key"`
}

func toMongoPurchase(p purchases.Purchase) mongoPurchase {
	doc := mongoPurchase{
		TransactionID:   p.TransactionID,
		ProductID:       p.ProductID,
		PurchasedAt:     p.PurchasedAt.Unix(),
		Price:           p.Price,
		CurrencyCode:    p.CurrencyCode,
		IsVerified:      p.IsVerified,
		IsSynced:        p.IsSynced,
		VerificationKey: p.VerificationKey,
	}
	if p.SyncedAt != nil {
		v := p.SyncedAt.Unix()
		doc.SyncedAt = &v
	}
	return doc
}

func (d mongoPurchase) toPurchase() purchases.Purchase {
	p := purchases.Purchase{
		TransactionID:   d.TransactionID,
		ProductID:       d.ProductID,
		PurchasedAt:     time.Unix(d.PurchasedAt, 0).UTC(),
		Price:           d.Price,
		CurrencyCode:    d.CurrencyCode,
		IsVerified:      d.IsVerified,
		IsSynced:        d.IsSynced,
		VerificationKey: d.VerificationKey,
	}
	if d.SyncedAt != nil {
		t := time.Unix(*d.SyncedAt, 0).UTC()
		p.SyncedAt = &t
	}
	return p
}

// NewMongoDBStore connects and ensures the product_id index exists.
func NewMongoDBStore(ctx context.Context, connectionString, database, collection string) (*MongoDBStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	store := &MongoDBStore{
		client:     client,
		collection: client.Database(database).Collection(collection),
	}
	_, err = store.collection.Indexes().CreateMany(connectCtx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "product_id", Value: 1}}},
		{Keys: bson.D{{Key: "is_verified", Value: 1}}},
	})
	if err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("create purchases indexes: %w", err)
	}
	return store, nil
}

// Insert upserts by _id.
func (s *MongoDBStore) Insert(ctx context.Context, p purchases.Purchase) error {
	if err := validateForInsert(p); err != nil {
		return err
	}
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	doc := toMongoPurchase(p)
	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, bson.M{"_id": doc.TransactionID}, doc, opts); err != nil {
		return fmt.Errorf("upsert purchase: %w", err)
	}
	return nil
}

func (s *MongoDBStore) Update(ctx context.Context, transactionID string, patch Patch) error {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	set := bson.M{}
	if patch.IsVerified != nil {
		set["is_verified"] = *patch.IsVerified
	}
	if patch.IsSynced != nil {
		set["is_synced"] = *patch.IsSynced
	}
	if patch.SyncedAt != nil {
		set["synced_at"] = patch.SyncedAt.Unix()
	}
	if patch.VerificationKey != nil {
		set["verification_key"] = *patch.VerificationKey
	}
	if len(set) == 0 {
		_, err := s.Get(ctx, transactionID)
		return err
	}

	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": transactionID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update purchase: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoDBStore) Select(ctx context.Context, filter Filter) ([]purchases.Purchase, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := bson.M{}
	if filter.ProductID != "" {
		query["product_id"] = filter.ProductID
	}
	if filter.IsVerified != nil {
		query["is_verified"] = *filter.IsVerified
	}
	if filter.IsSynced != nil {
		query["is_synced"] = *filter.IsSynced
	}

	opts := options.Find().SetSort(bson.D{{Key: "purchased_at", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("find purchases: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []mongoPurchase
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode purchases: %w", err)
	}
	out := make([]purchases.Purchase, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toPurchase())
	}
	return out, nil
}

func (s *MongoDBStore) Get(ctx context.Context, transactionID string) (purchases.Purchase, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	var doc mongoPurchase
	err := s.collection.FindOne(ctx, bson.M{"_id": transactionID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return purchases.Purchase{}, ErrNotFound
	}
	if err != nil {
		return purchases.Purchase{}, fmt.Errorf("find purchase: %w", err)
	}
	return doc.toPurchase(), nil
}

func (s *MongoDBStore) Delete(ctx context.Context, transactionID string) error {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": transactionID})
	if err != nil {
		return fmt.Errorf("delete purchase: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
