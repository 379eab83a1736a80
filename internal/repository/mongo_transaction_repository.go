package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/eaglebank/transactional-ms/shared/apperr"
	"github.com/eaglebank/transactional-ms/shared/models"
)

const (
	TransactionsCollection  = "transactions"
	defaultCappedSizeBytes  = 64 << 20
	defaultTailReopenDelay  = 500 * time.Millisecond
	defaultTailMaxAwaitTime = 2 * time.Second
)

type transactionDocument struct {
	ID              primitive.ObjectID   `bson:"_id"`
	AccountID       string               `bson:"accountId"`
	TransactionType string               `bson:"transactionType"`
	InitialBalance  primitive.Decimal128 `bson:"initialBalance"`
	Amount          primitive.Decimal128 `bson:"amount"`
	FinalBalance    primitive.Decimal128 `bson:"finalBalance"`
	ActorID         string               `bson:"actorId"`
	Timestamp       time.Time            `bson:"timestamp"`
}

func toDocument(tx *models.Transaction) (*transactionDocument, error) {
	initial, err := primitive.ParseDecimal128(tx.InitialBalance.String())
	if err != nil {
		return nil, fmt.Errorf("initial balance: %w", err)
	}
	amount, err := primitive.ParseDecimal128(tx.Amount.String())
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	final, err := primitive.ParseDecimal128(tx.FinalBalance.String())
	if err != nil {
		return nil, fmt.Errorf("final balance: %w", err)
	}
	return &transactionDocument{
		AccountID:       tx.AccountID,
		TransactionType: tx.TransactionType.String(),
		InitialBalance:  initial,
		Amount:          amount,
		FinalBalance:    final,
		ActorID:         tx.ActorID,
		Timestamp:       tx.Timestamp.UTC(),
	}, nil
}

func (d *transactionDocument) toModel() (*models.Transaction, error) {
	txType, err := models.ParseTransactionType(d.TransactionType)
	if err != nil {
		return nil, err
	}
	initial, err := decimal.NewFromString(d.InitialBalance.String())
	if err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(d.Amount.String())
	if err != nil {
		return nil, err
	}
	final, err := decimal.NewFromString(d.FinalBalance.String())
	if err != nil {
		return nil, err
	}
	return &models.Transaction{
		ID:              d.ID.Hex(),
		AccountID:       d.AccountID,
		TransactionType: txType,
		InitialBalance:  initial,
		Amount:          amount,
		FinalBalance:    final,
		ActorID:         d.ActorID,
		Timestamp:       d.Timestamp,
	}, nil
}

// MongoTransactionRepository stores transactions in a capped collection so
// subscribers can follow it with tailable cursors.
type MongoTransactionRepository struct {
	client      *mongo.Client
	coll        *mongo.Collection
	reopenDelay time.Duration
	maxAwait    time.Duration
	logger      *zap.Logger
}

// NewMongoClient connects to uri and verifies the connection.
func NewMongoClient(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}
	return client, nil
}

func NewMongoTransactionRepository(client *mongo.Client, database string, logger *zap.Logger) *MongoTransactionRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MongoTransactionRepository{
		client:      client,
		coll:        client.Database(database).Collection(TransactionsCollection),
		reopenDelay: defaultTailReopenDelay,
		maxAwait:    defaultTailMaxAwaitTime,
		logger:      logger,
	}
}

// EnsureCappedCollection creates the transactions collection as capped when it
// does not exist yet. An existing collection is left untouched.
func (r *MongoTransactionRepository) EnsureCappedCollection(ctx context.Context, sizeBytes int64) error {
	if sizeBytes <= 0 {
		sizeBytes = defaultCappedSizeBytes
	}
	db := r.coll.Database()
	names, err := db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: TransactionsCollection}})
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	if len(names) == 0 {
		opts := options.CreateCollection().SetCapped(true).SetSizeInBytes(sizeBytes)
		if err := db.CreateCollection(ctx, TransactionsCollection, opts); err != nil {
			return fmt.Errorf("failed to create capped collection: %w", err)
		}
		r.logger.Info("created capped collection",
			zap.String("collection", TransactionsCollection),
			zap.Int64("size_bytes", sizeBytes),
		)
	}

	_, err = r.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "accountId", Value: 1}, {Key: "_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create account index: %w", err)
	}
	return nil
}

func (r *MongoTransactionRepository) Save(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: nil transaction", apperr.ErrPersistence)
	}
	doc, err := toDocument(tx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode transaction: %w", apperr.ErrPersistence, err)
	}
	doc.ID = primitive.NewObjectID()

	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("%w: failed to create transaction: %w", apperr.ErrPersistence, err)
	}
	saved := *tx
	saved.ID = doc.ID.Hex()
	return &saved, nil
}

func (r *MongoTransactionRepository) ExistsByAccountID(ctx context.Context, accountID string) (bool, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{"accountId": accountID}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("%w: failed to check transactions: %w", apperr.ErrPersistence, err)
	}
	return n > 0, nil
}

func (r *MongoTransactionRepository) FindByID(ctx context.Context, id string) (*models.Transaction, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction %s", apperr.ErrNotFound, id)
	}
	var doc transactionDocument
	err = r.coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: transaction %s", apperr.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get transaction: %w", apperr.ErrPersistence, err)
	}
	tx, err := doc.toModel()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode transaction: %w", apperr.ErrPersistence, err)
	}
	return tx, nil
}

func (r *MongoTransactionRepository) ListByAccountID(ctx context.Context, accountID string) ([]models.Transaction, error) {
	cur, err := r.coll.Find(ctx, bson.M{"accountId": accountID},
		options.Find().SetSort(bson.D{{Key: "_id", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list transactions: %w", apperr.ErrPersistence, err)
	}
	defer cur.Close(ctx)

	var out []models.Transaction
	for cur.Next(ctx) {
		var doc transactionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: failed to decode transaction: %w", apperr.ErrPersistence, err)
		}
		tx, err := doc.toModel()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decode transaction: %w", apperr.ErrPersistence, err)
		}
		out = append(out, *tx)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to list transactions: %w", apperr.ErrPersistence, err)
	}
	return out, nil
}

// SubscribeByAccountID tails the collection in natural order from the newest
// document at subscribe time. Inserts into a capped collection are
// serialized, so natural order is the order writers committed in.
func (r *MongoTransactionRepository) SubscribeByAccountID(ctx context.Context, accountID string) (Subscription, error) {
	var last struct {
		ID primitive.ObjectID `bson:"_id"`
	}
	err := r.coll.FindOne(ctx, bson.D{},
		options.FindOne().
			SetSort(bson.D{{Key: "$natural", Value: -1}}).
			SetProjection(bson.M{"_id": 1}),
	).Decode(&last)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: failed to open subscription: %w", apperr.ErrPersistence, err)
	}

	maxAwait := r.maxAwait
	coll := r.coll
	open := func(ctx context.Context, filter bson.M) (tailCursor, error) {
		cur, err := coll.Find(ctx, filter, options.Find().
			SetCursorType(options.TailableAwait).
			SetMaxAwaitTime(maxAwait))
		if err != nil {
			return nil, err
		}
		return cur, nil
	}
	return newMongoSubscription(open, accountID, last.ID, r.reopenDelay, r.logger), nil
}

func (r *MongoTransactionRepository) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}

// tailCursor is the part of *mongo.Cursor a subscription reads.
type tailCursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type openTail func(ctx context.Context, filter bson.M) (tailCursor, error)

// mongoSubscription owns one tailable cursor, read by a goroutine that lives
// as long as the subscription. Next only waits for that goroutine, so a Next
// that times out leaves the cursor position intact.
//
// The cursor starts at the anchor, the newest document when subscribing, and
// skips everything up to it. The anchor always matches the filter, which keeps
// the cursor alive while the account is idle.
type mongoSubscription struct {
	open        openTail
	accountID   string
	anchor      primitive.ObjectID
	reopenDelay time.Duration
	logger      *zap.Logger

	records  chan *models.Transaction
	done     chan struct{}
	finished chan struct{}
	err      error
	cancel   context.CancelFunc

	closeOnce sync.Once
}

func newMongoSubscription(open openTail, accountID string, anchor primitive.ObjectID, reopenDelay time.Duration, logger *zap.Logger) *mongoSubscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &mongoSubscription{
		open:        open,
		accountID:   accountID,
		anchor:      anchor,
		reopenDelay: reopenDelay,
		logger:      logger,
		records:     make(chan *models.Transaction),
		done:        make(chan struct{}),
		finished:    make(chan struct{}),
		cancel:      cancel,
	}
	go s.run(ctx)
	return s
}

func (s *mongoSubscription) run(ctx context.Context) {
	defer close(s.finished)
	err := s.tail(ctx)
	if ctx.Err() == nil {
		s.logger.Warn("transaction tail lost", zap.String("account_id", s.accountID), zap.Error(err))
		s.err = err
	}
}

func (s *mongoSubscription) filter() bson.M {
	if s.anchor.IsZero() {
		return bson.M{"accountId": s.accountID}
	}
	return bson.M{"$or": bson.A{
		bson.M{"_id": s.anchor},
		bson.M{"accountId": s.accountID},
	}}
}

func (s *mongoSubscription) tail(ctx context.Context) error {
	for {
		cur, err := s.open(ctx, s.filter())
		if err != nil {
			return err
		}
		err = s.drain(ctx, cur)
		_ = cur.Close(context.Background())
		if err != nil {
			return err
		}
		if !s.anchor.IsZero() {
			return errors.New("tail position left the capped collection")
		}

		// The collection held nothing for us when the cursor opened, so it
		// died at once. Retry until the first document shows up.
		timer := time.NewTimer(s.reopenDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// drain forwards matching documents until the cursor dies or fails.
func (s *mongoSubscription) drain(ctx context.Context, cur tailCursor) error {
	seenAnchor := s.anchor.IsZero()
	for cur.Next(ctx) {
		var doc transactionDocument
		if err := cur.Decode(&doc); err != nil {
			return err
		}
		if !seenAnchor {
			seenAnchor = doc.ID == s.anchor
			continue
		}
		if doc.AccountID != s.accountID {
			continue
		}
		tx, err := doc.toModel()
		if err != nil {
			return err
		}
		select {
		case s.records <- tx:
			s.anchor = doc.ID
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := cur.Err(); err != nil {
		return err
	}
	if !seenAnchor {
		return errors.New("tail position left the capped collection")
	}
	return nil
}

func (s *mongoSubscription) Next(ctx context.Context) (*models.Transaction, error) {
	select {
	case <-s.done:
		return nil, ErrSubscriptionClosed
	default:
	}
	select {
	case tx := <-s.records:
		return tx, nil
	case <-s.finished:
		select {
		case <-s.done:
			return nil, ErrSubscriptionClosed
		default:
		}
		return nil, fmt.Errorf("%w: %w", apperr.ErrSubscriptionLost, s.err)
	case <-s.done:
		return nil, ErrSubscriptionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *mongoSubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		<-s.finished
	})
	return nil
}
