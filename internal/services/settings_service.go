package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"taskpilot/internal/database"
	"taskpilot/internal/models"
)

// ErrSettingsNotFound is returned by a SettingsStore for unknown organizations
var ErrSettingsNotFound = errors.New("organization settings not found")

// SettingsStore persists per-organization settings
type SettingsStore interface {
	GetOrgSettings(ctx context.Context, orgID string) (*models.OrgSettings, error)
	PutOrgSettings(ctx context.Context, settings *models.OrgSettings) error
}

// SettingsDefaults apply to organizations without stored settings
type SettingsDefaults struct {
	ClassificationMode models.ClassificationMode
	MonthlyBudgetUSD   float64
}

// SettingsService resolves organization settings through a TTL cache.
// It serves the classifier's mode lookup and the budget ledger's limit lookup.
type SettingsService struct {
	store    SettingsStore
	defaults SettingsDefaults
	cache    *cache.Cache
}

// NewSettingsService creates a new settings service
func NewSettingsService(store SettingsStore, defaults SettingsDefaults, ttl time.Duration) *SettingsService {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if defaults.ClassificationMode == "" {
		defaults.ClassificationMode = models.ModeHybrid
	}
	return &SettingsService{
		store:    store,
		defaults: defaults,
		cache:    cache.New(ttl, 2*ttl),
	}
}

// Get returns the effective settings of an organization. Store failures fall
// back to defaults and are not cached.
func (s *SettingsService) Get(ctx context.Context, orgID string) models.OrgSettings {
	if cached, found := s.cache.Get(orgID); found {
		return cached.(models.OrgSettings)
	}

	effective := models.OrgSettings{
		OrgID:              orgID,
		ClassificationMode: s.defaults.ClassificationMode,
		MonthlyBudgetUSD:   s.defaults.MonthlyBudgetUSD,
	}

	if s.store == nil {
		return effective
	}

	stored, err := s.store.GetOrgSettings(ctx, orgID)
	switch {
	case errors.Is(err, ErrSettingsNotFound):
	case err != nil:
		log.Printf("⚠️ [SETTINGS] Failed to load settings for org %s, using defaults: %v", orgID, err)
		return effective
	default:
		effective.Name = stored.Name
		effective.UpdatedAt = stored.UpdatedAt
		if stored.ClassificationMode != "" {
			effective.ClassificationMode = models.ParseClassificationMode(string(stored.ClassificationMode))
		}
		effective.MonthlyBudgetUSD = stored.MonthlyBudgetUSD
	}

	s.cache.Set(orgID, effective, cache.DefaultExpiration)
	return effective
}

// Update stores settings and invalidates the cached copy
func (s *SettingsService) Update(ctx context.Context, settings *models.OrgSettings) error {
	if settings.OrgID == "" {
		return fmt.Errorf("org id is required")
	}
	if settings.ClassificationMode != "" {
		settings.ClassificationMode = models.ParseClassificationMode(string(settings.ClassificationMode))
	}
	if s.store == nil {
		return fmt.Errorf("no settings store configured")
	}
	settings.UpdatedAt = time.Now()
	if err := s.store.PutOrgSettings(ctx, settings); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	s.cache.Delete(settings.OrgID)
	log.Printf("✅ [SETTINGS] Updated settings for org %s (mode=%s, budget=$%.2f)",
		settings.OrgID, settings.ClassificationMode, settings.MonthlyBudgetUSD)
	return nil
}

// ClassificationMode implements classifier.ModeResolver
func (s *SettingsService) ClassificationMode(ctx context.Context, orgID string) models.ClassificationMode {
	return s.Get(ctx, orgID).ClassificationMode
}

// MonthlyLimitUSD implements budget.LimitResolver
func (s *SettingsService) MonthlyLimitUSD(ctx context.Context, orgID string) float64 {
	return s.Get(ctx, orgID).MonthlyBudgetUSD
}

// MongoSettingsStore keeps organization settings in the org_settings collection
type MongoSettingsStore struct {
	collection *mongo.Collection
}

// NewMongoSettingsStore creates a Mongo-backed settings store
func NewMongoSettingsStore(db *database.MongoDB) *MongoSettingsStore {
	return &MongoSettingsStore{collection: db.Collection(database.CollectionOrgSettings)}
}

// GetOrgSettings implements SettingsStore
func (m *MongoSettingsStore) GetOrgSettings(ctx context.Context, orgID string) (*models.OrgSettings, error) {
	var settings models.OrgSettings
	err := m.collection.FindOne(ctx, bson.M{"orgId": orgID}).Decode(&settings)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrSettingsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find settings: %w", err)
	}
	return &settings, nil
}

// PutOrgSettings implements SettingsStore
func (m *MongoSettingsStore) PutOrgSettings(ctx context.Context, settings *models.OrgSettings) error {
	_, err := m.collection.ReplaceOne(ctx,
		bson.M{"orgId": settings.OrgID},
		settings,
		options.Replace().SetUpsert(true),
	)
	return err
}

// MemorySettingsStore keeps settings in process, for development and tests
type MemorySettingsStore struct {
	mu       sync.RWMutex
	settings map[string]models.OrgSettings
}

// NewMemorySettingsStore creates an empty in-process settings store
func NewMemorySettingsStore() *MemorySettingsStore {
	return &MemorySettingsStore{settings: make(map[string]models.OrgSettings)}
}

// GetOrgSettings implements SettingsStore
func (m *MemorySettingsStore) GetOrgSettings(_ context.Context, orgID string) (*models.OrgSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[orgID]
	if !ok {
		return nil, ErrSettingsNotFound
	}
	return &s, nil
}

// PutOrgSettings implements SettingsStore
func (m *MemorySettingsStore) PutOrgSettings(_ context.Context, settings *models.OrgSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[settings.OrgID] = *settings
	return nil
}
