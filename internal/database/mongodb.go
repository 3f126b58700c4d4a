package database

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoDB wraps the MongoDB client and database
type MongoDB struct {
	client   *mongo.Client
	database *mongo.Database
	dbName   string
}

// DefaultDatabaseName is used when the URI has no path component
const DefaultDatabaseName = "taskpilot"

// Collection names
const (
	// Memory system collections
	CollectionMemoryDocuments = "memory_documents"
	CollectionMemoryChunks    = "memory_chunks"
	CollectionMemorySessions  = "memory_sessions"
	CollectionMemoryUpdates   = "memory_updates"
	CollectionContextRules    = "context_rules"

	// Organization configuration
	CollectionOrgSettings = "org_settings"
)

// NewMongoDB creates a new MongoDB connection with connection pooling
func NewMongoDB(uri string) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetMinPoolSize(5).
		SetMaxConnIdleTime(30 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dbName := extractDBName(uri)
	db := &MongoDB{
		client:   client,
		database: client.Database(dbName),
		dbName:   dbName,
	}

	log.Printf("✅ Connected to MongoDB database: %s", dbName)
	return db, nil
}

// extractDBName extracts the database name from a MongoDB URI
// mongodb://localhost:27017/taskpilot?authSource=admin -> taskpilot
func extractDBName(uri string) string {
	rest := uri
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	slash := strings.Index(rest, "/")
	if slash < 0 {
		return DefaultDatabaseName
	}
	name := rest[slash+1:]
	if q := strings.Index(name, "?"); q >= 0 {
		name = name[:q]
	}
	if name == "" {
		return DefaultDatabaseName
	}
	return name
}

// Initialize creates indexes for all collections
func (m *MongoDB) Initialize(ctx context.Context) error {
	log.Println("📦 Initializing MongoDB indexes...")

	// One document per (org, level, entity). Concurrent creators across
	// instances race on this index.
	if err := m.createIndexes(ctx, CollectionMemoryDocuments, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "orgId", Value: 1}, {Key: "level", Value: 1}, {Key: "entityId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "updatedAt", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("failed to create memory document indexes: %w", err)
	}

	if err := m.createIndexes(ctx, CollectionMemoryChunks, []mongo.IndexModel{
		{Keys: bson.D{{Key: "documentId", Value: 1}, {Key: "docVersion", Value: 1}, {Key: "ordinal", Value: 1}}},
		{Keys: bson.D{{Key: "orgId", Value: 1}, {Key: "keywords", Value: 1}}},
		{Keys: bson.D{{Key: "documentId", Value: 1}, {Key: "sectionId", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("failed to create memory chunk indexes: %w", err)
	}

	if err := m.createIndexes(ctx, CollectionMemorySessions, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "orgId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{
			// Closed sessions are kept for 30 days
			Keys:    bson.D{{Key: "completedAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(30 * 24 * 3600),
		},
	}); err != nil {
		return fmt.Errorf("failed to create memory session indexes: %w", err)
	}

	if err := m.createIndexes(ctx, CollectionMemoryUpdates, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "orgId", Value: 1}, {Key: "createdAt", Value: -1}}},
	}); err != nil {
		return fmt.Errorf("failed to create memory update indexes: %w", err)
	}

	if err := m.createIndexes(ctx, CollectionContextRules, []mongo.IndexModel{
		{Keys: bson.D{{Key: "orgId", Value: 1}, {Key: "priority", Value: -1}}},
	}); err != nil {
		return fmt.Errorf("failed to create context rule indexes: %w", err)
	}

	if err := m.createIndexes(ctx, CollectionOrgSettings, []mongo.IndexModel{
		{Keys: bson.D{{Key: "orgId", Value: 1}}, Options: options.Index().SetUnique(true)},
	}); err != nil {
		return fmt.Errorf("failed to create org settings indexes: %w", err)
	}

	log.Println("✅ MongoDB indexes initialized successfully")
	return nil
}

// createIndexes creates indexes for a collection
func (m *MongoDB) createIndexes(ctx context.Context, collectionName string, indexes []mongo.IndexModel) error {
	collection := m.database.Collection(collectionName)
	_, err := collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// Collection returns a collection handle
func (m *MongoDB) Collection(name string) *mongo.Collection {
	return m.database.Collection(name)
}

// Close closes the MongoDB connection
func (m *MongoDB) Close(ctx context.Context) error {
	log.Println("🔌 Closing MongoDB connection...")
	return m.client.Disconnect(ctx)
}

// Ping checks if the database connection is alive
func (m *MongoDB) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}
