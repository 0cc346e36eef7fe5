package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/akriventsev/anchor/framework/core"
)

// MongoConfig конфигурация MongoDB хранилища саг
type MongoConfig struct {
	URI            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
}

// Validate проверяет корректность конфигурации
func (c MongoConfig) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("URI cannot be empty")
	}
	if c.Database == "" {
		return fmt.Errorf("Database cannot be empty")
	}
	if c.Collection == "" {
		return fmt.Errorf("Collection cannot be empty")
	}
	return nil
}

// DefaultMongoConfig возвращает конфигурацию MongoDB по умолчанию
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		Database:       "anchor",
		Collection:     "sagas",
		ConnectTimeout: 10 * time.Second,
	}
}

// sagaDocument представление саги в MongoDB
type sagaDocument struct {
	ID             string     `bson:"_id"`
	CorrelationKey string     `bson:"correlation_key"`
	Status         string     `bson:"status"`
	Steps          []Step     `bson:"steps"`
	TimeoutMs      int64      `bson:"timeout_ms"`
	StartedAt      time.Time  `bson:"started_at"`
	CompletedAt    *time.Time `bson:"completed_at,omitempty"`
	Version        int64      `bson:"version"`
}

func toDocument(saga *Saga) sagaDocument {
	doc := sagaDocument{
		ID:             saga.ID,
		CorrelationKey: saga.CorrelationKey,
		Status:         string(saga.Status),
		Steps:          saga.Steps,
		TimeoutMs:      saga.Timeout.Milliseconds(),
		StartedAt:      saga.StartedAt,
		Version:        saga.Version,
	}
	if !saga.CompletedAt.IsZero() {
		completedAt := saga.CompletedAt
		doc.CompletedAt = &completedAt
	}
	return doc
}

func (d sagaDocument) toSaga() *Saga {
	saga := &Saga{
		ID:             d.ID,
		CorrelationKey: d.CorrelationKey,
		Status:         Status(d.Status),
		Steps:          d.Steps,
		Timeout:        time.Duration(d.TimeoutMs) * time.Millisecond,
		StartedAt:      d.StartedAt,
		Version:        d.Version,
	}
	if d.CompletedAt != nil {
		saga.CompletedAt = *d.CompletedAt
	}
	return saga
}

// MongoPersistence реализация Persistence поверх MongoDB.
// Сага хранится одним документом со встроенными шагами.
type MongoPersistence struct {
	config     MongoConfig
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoPersistence создает новое MongoDB хранилище саг.
// Частичный уникальный индекс по correlation_key активных саг
// объявляется идемпотентно при создании.
func NewMongoPersistence(ctx context.Context, config MongoConfig) (*MongoPersistence, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mongo saga config: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	collection := client.Database(config.Database).Collection(config.Collection)

	indexModel := mongo.IndexModel{
		Keys: bson.D{{Key: "correlation_key", Value: 1}},
		Options: options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.M{
				"status": bson.M{"$in": []string{
					string(StatusPending),
					string(StatusRunning),
					string(StatusCompensating),
					string(StatusTimedOut),
				}},
			}),
	}
	if _, err := collection.Indexes().CreateOne(connectCtx, indexModel); err != nil {
		return nil, fmt.Errorf("failed to create saga index: %w", err)
	}

	return &MongoPersistence{
		config:     config,
		client:     client,
		collection: collection,
	}, nil
}

// Close закрывает подключение к MongoDB
func (p *MongoPersistence) Close(ctx context.Context) error {
	return p.client.Disconnect(ctx)
}

// HealthCheck проверяет доступность базы (реализация core.HealthCheckable)
func (p *MongoPersistence) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx, readpref.Primary())
}

func (p *MongoPersistence) Save(ctx context.Context, saga *Saga) error {
	if saga.Version == 0 {
		doc := toDocument(saga)
		doc.Version = 1

		if _, err := p.collection.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return core.Wrap(err, core.ErrAlreadyExists,
					"active saga already exists for correlation key "+saga.CorrelationKey)
			}
			return fmt.Errorf("failed to save saga: %w", err)
		}
		saga.Version = 1
		return nil
	}

	doc := toDocument(saga)
	result, err := p.collection.UpdateOne(ctx,
		bson.M{"_id": saga.ID, "version": saga.Version},
		bson.M{
			"$set": bson.M{
				"status":       doc.Status,
				"steps":        doc.Steps,
				"completed_at": doc.CompletedAt,
			},
			"$inc": bson.M{"version": 1},
		})
	if err != nil {
		return fmt.Errorf("failed to save saga: %w", err)
	}
	if result.MatchedCount == 0 {
		return core.NewError(core.ErrConflict, "saga "+saga.ID+" was modified concurrently")
	}
	saga.Version++
	return nil
}

func (p *MongoPersistence) GetByID(ctx context.Context, id string) (*Saga, error) {
	var doc sagaDocument
	err := p.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, core.NewError(core.ErrNotFound, "saga "+id+" not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load saga: %w", err)
	}
	return doc.toSaga(), nil
}

func (p *MongoPersistence) FindActiveByCorrelationKey(ctx context.Context, key string) (*Saga, error) {
	filter := bson.M{
		"correlation_key": key,
		"status": bson.M{"$nin": []string{
			string(StatusCompleted),
			string(StatusCompensated),
			string(StatusFailed),
		}},
	}

	var doc sagaDocument
	err := p.collection.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find saga by correlation key: %w", err)
	}
	return doc.toSaga(), nil
}

func (p *MongoPersistence) FindExpired(ctx context.Context, now time.Time) ([]*Saga, error) {
	filter := bson.M{
		"status":     string(StatusRunning),
		"timeout_ms": bson.M{"$gt": 0},
		"$expr": bson.M{
			"$lt": bson.A{
				bson.M{"$add": bson.A{"$started_at", "$timeout_ms"}},
				now,
			},
		},
	}

	cursor, err := p.collection.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired sagas: %w", err)
	}
	defer cursor.Close(ctx)

	var sagas []*Saga
	for cursor.Next(ctx) {
		var doc sagaDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode saga: %w", err)
		}
		sagas = append(sagas, doc.toSaga())
	}
	return sagas, cursor.Err()
}

func (p *MongoPersistence) CompareAndSwapStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	result, err := p.collection.UpdateOne(ctx,
		bson.M{"_id": id, "status": string(from)},
		bson.M{
			"$set": bson.M{"status": string(to)},
			"$inc": bson.M{"version": 1},
		})
	if err != nil {
		return false, fmt.Errorf("failed to swap saga status: %w", err)
	}
	return result.ModifiedCount == 1, nil
}
