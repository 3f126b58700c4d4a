package memory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"taskpilot/internal/crypto"
	"taskpilot/internal/database"
	"taskpilot/internal/models"
)

// encryptedPrefix marks content sealed with the organization key
const encryptedPrefix = "enc:v1:"

// MongoStore is the MongoDB-backed Store.
//
// Chunk ids are deterministic per document version, so inserting the next
// generation doubles as a write lock: a second writer for the same version
// fails on the first chunk with a duplicate key and reports ErrVersionConflict.
// Orphans of a crashed writer are removed by DeleteSupersededChunks.
type MongoStore struct {
	docs       *mongo.Collection
	chunks     *mongo.Collection
	sessions   *mongo.Collection
	updates    *mongo.Collection
	rules      *mongo.Collection
	encryption *crypto.EncryptionService
}

// NewMongoStore creates a MongoDB store. encryption may be nil.
func NewMongoStore(db *database.MongoDB, encryption *crypto.EncryptionService) *MongoStore {
	return &MongoStore{
		docs:       db.Collection(database.CollectionMemoryDocuments),
		chunks:     db.Collection(database.CollectionMemoryChunks),
		sessions:   db.Collection(database.CollectionMemorySessions),
		updates:    db.Collection(database.CollectionMemoryUpdates),
		rules:      db.Collection(database.CollectionContextRules),
		encryption: encryption,
	}
}

func (s *MongoStore) seal(orgID, plaintext string) (string, error) {
	if s.encryption == nil || plaintext == "" {
		return plaintext, nil
	}
	sealed, err := s.encryption.EncryptString(orgID, plaintext)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt memory content: %w", err)
	}
	return encryptedPrefix + sealed, nil
}

func (s *MongoStore) open(orgID, stored string) (string, error) {
	if !strings.HasPrefix(stored, encryptedPrefix) {
		return stored, nil
	}
	if s.encryption == nil {
		return "", errors.New("memory content is encrypted but no encryption key is configured")
	}
	plain, err := s.encryption.DecryptString(orgID, strings.TrimPrefix(stored, encryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt memory content: %w", err)
	}
	return plain, nil
}

func (s *MongoStore) openDocument(doc *models.MemoryDocument) error {
	content, err := s.open(doc.OrgID, doc.Content)
	if err != nil {
		return err
	}
	doc.Content = content
	return nil
}

func (s *MongoStore) GetDocument(ctx context.Context, orgID string, level models.MemoryLevel, entityID string) (*models.MemoryDocument, error) {
	var doc models.MemoryDocument
	err := s.docs.FindOne(ctx, bson.M{"orgId": orgID, "level": level, "entityId": entityID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load memory document: %w", err)
	}
	if err := s.openDocument(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *MongoStore) ListDocuments(ctx context.Context, orgID string) ([]models.MemoryDocument, error) {
	cursor, err := s.docs.Find(ctx, bson.M{"orgId": orgID})
	if err != nil {
		return nil, fmt.Errorf("failed to list memory documents: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []models.MemoryDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode memory documents: %w", err)
	}
	for i := range docs {
		if err := s.openDocument(&docs[i]); err != nil {
			return nil, err
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Level.Rank() != docs[j].Level.Rank() {
			return docs[i].Level.Rank() < docs[j].Level.Rank()
		}
		return docs[i].EntityID < docs[j].EntityID
	})
	return docs, nil
}

func (s *MongoStore) CreateDocument(ctx context.Context, doc *models.MemoryDocument, chunks []models.ContextChunk) error {
	// Chunks first: they stay invisible until the document exists
	if err := s.insertChunks(ctx, chunks); err != nil {
		return err
	}

	stored := *doc
	content, err := s.seal(doc.OrgID, doc.Content)
	if err != nil {
		return err
	}
	stored.Content = content

	if _, err := s.docs.InsertOne(ctx, stored); err != nil {
		s.deleteChunks(ctx, chunks)
		if mongo.IsDuplicateKeyError(err) {
			return ErrDocumentExists
		}
		return fmt.Errorf("failed to insert memory document: %w", err)
	}
	return nil
}

func (s *MongoStore) ReplaceDocument(ctx context.Context, docID string, expectedVersion int64, content string, chunks []models.ContextChunk, at time.Time) error {
	if err := s.insertChunks(ctx, chunks); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrVersionConflict
		}
		return err
	}

	var orgID string
	if len(chunks) > 0 {
		orgID = chunks[0].OrgID
	} else {
		var current models.MemoryDocument
		if err := s.docs.FindOne(ctx, bson.M{"_id": docID}).Decode(&current); err != nil {
			return fmt.Errorf("failed to load memory document: %w", err)
		}
		orgID = current.OrgID
	}
	sealed, err := s.seal(orgID, content)
	if err != nil {
		s.deleteChunks(ctx, chunks)
		return err
	}

	// Flipping the version is the atomic swap
	result, err := s.docs.UpdateOne(ctx,
		bson.M{"_id": docID, "version": expectedVersion},
		bson.M{"$set": bson.M{
			"content":   sealed,
			"version":   expectedVersion + 1,
			"updatedAt": at,
		}},
	)
	if err != nil {
		s.deleteChunks(ctx, chunks)
		return fmt.Errorf("failed to update memory document: %w", err)
	}
	if result.MatchedCount == 0 {
		s.deleteChunks(ctx, chunks)
		return ErrVersionConflict
	}
	return nil
}

func (s *MongoStore) insertChunks(ctx context.Context, chunks []models.ContextChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(chunks))
	for _, c := range chunks {
		content, err := s.seal(c.OrgID, c.Content)
		if err != nil {
			return err
		}
		c.Content = content
		docs = append(docs, c)
	}
	if _, err := s.chunks.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return err
		}
		return fmt.Errorf("failed to insert memory chunks: %w", err)
	}
	return nil
}

func (s *MongoStore) deleteChunks(ctx context.Context, chunks []models.ContextChunk) {
	if len(chunks) == 0 {
		return
	}
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	if _, err := s.chunks.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
		log.Printf("⚠️  [MEMORY] Failed to remove %d unpublished chunks: %v", len(ids), err)
	}
}

func (s *MongoStore) CurrentChunks(ctx context.Context, docs []models.MemoryDocument) ([]models.ContextChunk, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	or := make(bson.A, 0, len(docs))
	for _, d := range docs {
		or = append(or, bson.M{"documentId": d.ID, "docVersion": d.Version})
	}

	cursor, err := s.chunks.Find(ctx, bson.M{"$or": or},
		options.Find().SetSort(bson.D{{Key: "documentId", Value: 1}, {Key: "ordinal", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to load memory chunks: %w", err)
	}
	defer cursor.Close(ctx)

	var chunks []models.ContextChunk
	if err := cursor.All(ctx, &chunks); err != nil {
		return nil, fmt.Errorf("failed to decode memory chunks: %w", err)
	}
	for i := range chunks {
		content, err := s.open(chunks[i].OrgID, chunks[i].Content)
		if err != nil {
			return nil, err
		}
		chunks[i].Content = content
	}
	return chunks, nil
}

func (s *MongoStore) IncrementSectionStats(ctx context.Context, sectionKeys []string, field StatField) error {
	counts := make(map[string]int, len(sectionKeys))
	for _, k := range sectionKeys {
		counts[k]++
	}

	writes := make([]mongo.WriteModel, 0, len(counts))
	for key, n := range counts {
		docID, sectionID, ok := models.SplitSectionKey(key)
		if !ok {
			continue
		}
		writes = append(writes, mongo.NewUpdateManyModel().
			SetFilter(bson.M{"documentId": docID, "sectionId": sectionID}).
			SetUpdate(bson.M{"$inc": bson.M{"stats." + string(field): n}}))
	}
	if len(writes) == 0 {
		return nil
	}
	_, err := s.chunks.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	return err
}

// DeleteSupersededChunks never touches the current generation. A newer
// generation may be mid-publish by ReplaceDocument, so it is only reaped by
// its own age.
func (s *MongoStore) DeleteSupersededChunks(ctx context.Context, cutoff time.Time) (int64, error) {
	cursor, err := s.docs.Find(ctx, bson.M{},
		options.Find().SetProjection(bson.M{"_id": 1, "version": 1, "updatedAt": 1}))
	if err != nil {
		return 0, fmt.Errorf("failed to scan memory documents: %w", err)
	}
	defer cursor.Close(ctx)

	var total int64
	for cursor.Next(ctx) {
		var doc struct {
			ID        string    `bson:"_id"`
			Version   int64     `bson:"version"`
			UpdatedAt time.Time `bson:"updatedAt"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return total, err
		}

		or := bson.A{bson.M{"docVersion": bson.M{"$gt": doc.Version}, "createdAt": bson.M{"$lt": cutoff}}}
		if doc.UpdatedAt.Before(cutoff) {
			or = append(or, bson.M{"docVersion": bson.M{"$lt": doc.Version}})
		}
		res, err := s.chunks.DeleteMany(ctx, bson.M{"documentId": doc.ID, "$or": or})
		if err != nil {
			return total, fmt.Errorf("failed to delete superseded chunks: %w", err)
		}
		total += res.DeletedCount
	}
	return total, cursor.Err()
}

func (s *MongoStore) CreateSession(ctx context.Context, session *models.RetrievalSession) error {
	_, err := s.sessions.InsertOne(ctx, session)
	return err
}

func (s *MongoStore) GetSession(ctx context.Context, sessionID string) (*models.RetrievalSession, error) {
	var session models.RetrievalSession
	err := s.sessions.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&session)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load retrieval session: %w", err)
	}
	return &session, nil
}

// notOpenError distinguishes a closed session from a missing one
func (s *MongoStore) notOpenError(ctx context.Context, sessionID string) error {
	n, err := s.sessions.CountDocuments(ctx, bson.M{"_id": sessionID})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return ErrSessionClosed
}

func (s *MongoStore) AppendServed(ctx context.Context, sessionID string, sectionKeys, matchedKeywords []string, tokens int) error {
	if matchedKeywords == nil {
		matchedKeywords = []string{}
	}
	result, err := s.sessions.UpdateOne(ctx,
		bson.M{"_id": sessionID, "status": models.SessionOpen},
		bson.M{
			"$push":     bson.M{"servedSections": bson.M{"$each": sectionKeys}},
			"$addToSet": bson.M{"matchedKeywords": bson.M{"$each": matchedKeywords}},
			"$inc":      bson.M{"totalTokens": tokens, "iterations": 1},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to update retrieval session: %w", err)
	}
	if result.MatchedCount == 0 {
		return s.notOpenError(ctx, sessionID)
	}
	return nil
}

func (s *MongoStore) CloseSession(ctx context.Context, sessionID string, status models.SessionStatus, notes string, at time.Time) (*models.RetrievalSession, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var session models.RetrievalSession
	err := s.sessions.FindOneAndUpdate(ctx,
		bson.M{"_id": sessionID, "status": models.SessionOpen},
		bson.M{"$set": bson.M{"status": status, "notes": notes, "completedAt": at}},
		opts,
	).Decode(&session)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, s.notOpenError(ctx, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to close retrieval session: %w", err)
	}
	return &session, nil
}

func (s *MongoStore) ListStaleSessions(ctx context.Context, openedBefore time.Time, limit int) ([]string, error) {
	opts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "createdAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.sessions.Find(ctx, bson.M{"status": models.SessionOpen, "createdAt": bson.M{"$lt": openedBefore}}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale sessions: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids, nil
}

func (s *MongoStore) EnqueueUpdate(ctx context.Context, update *models.MemoryUpdate) error {
	_, err := s.updates.InsertOne(ctx, update)
	return err
}

func (s *MongoStore) ClaimNextUpdate(ctx context.Context) (*models.MemoryUpdate, error) {
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "createdAt", Value: 1}}).
		SetReturnDocument(options.After)

	var update models.MemoryUpdate
	err := s.updates.FindOneAndUpdate(ctx,
		bson.M{"status": models.UpdateStatusPending},
		bson.M{
			"$set": bson.M{"status": models.UpdateStatusProcessing},
			"$inc": bson.M{"attemptCount": 1},
		},
		opts,
	).Decode(&update)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim memory update: %w", err)
	}
	return &update, nil
}

func (s *MongoStore) FinishUpdate(ctx context.Context, updateID, status, errMsg string, at time.Time) error {
	_, err := s.updates.UpdateOne(ctx,
		bson.M{"_id": updateID},
		bson.M{"$set": bson.M{"status": status, "errorMessage": errMsg, "processedAt": at}},
	)
	return err
}

func (s *MongoStore) ContextRules(ctx context.Context, orgID, sessionType string) ([]models.ContextRule, error) {
	filter := bson.M{
		"orgId": orgID,
		"$or": bson.A{
			bson.M{"sessionType": bson.M{"$exists": false}},
			bson.M{"sessionType": ""},
			bson.M{"sessionType": sessionType},
		},
	}
	cursor, err := s.rules.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to load context rules: %w", err)
	}
	defer cursor.Close(ctx)

	var rules []models.ContextRule
	if err := cursor.All(ctx, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

func (s *MongoStore) SaveContextRule(ctx context.Context, rule *models.ContextRule) error {
	_, err := s.rules.ReplaceOne(ctx, bson.M{"_id": rule.ID}, rule, options.Replace().SetUpsert(true))
	return err
}
