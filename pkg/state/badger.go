// Package state provides BadgerDB-based state management
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/valifi/agentctl/pkg/errors"
	"github.com/valifi/agentctl/pkg/types"
)

const (
	// Key prefixes for different data types
	versionPrefix = "version:"
	planPrefix    = "plan:"
	eventPrefix   = "event:"

	// Index prefixes for ordered per-agent-type scans
	versionIndexPrefix = "idx:version:type:"
	planIndexPrefix    = "idx:plan:type:"

	// Default TTL for events (7 days)
	defaultEventTTL = 7 * 24 * time.Hour
)

// BadgerStore implements Store using BadgerDB
type BadgerStore struct {
	db       *badger.DB
	path     string
	eventTTL time.Duration
	mu       sync.RWMutex
	closed   bool
}

// BadgerStoreConfig holds BadgerDB-specific configuration
type BadgerStoreConfig struct {
	Path     string
	EventTTL time.Duration
	InMemory bool
}

// NewBadgerStore creates a new BadgerDB-based store
func NewBadgerStore(config BadgerStoreConfig) (*BadgerStore, error) {
	if config.Path == "" && !config.InMemory {
		return nil, fmt.Errorf("path is required for BadgerDB store")
	}

	if config.EventTTL == 0 {
		config.EventTTL = defaultEventTTL
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil // Disable BadgerDB logging by default
	if config.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerStore{
		db:       db,
		path:     config.Path,
		eventTTL: config.EventTTL,
	}, nil
}

// Initialize initializes the store
func (s *BadgerStore) Initialize(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// Close closes the store
func (s *BadgerStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// HealthCheck performs a health check
func (s *BadgerStore) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	return s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("health"))
		if err == badger.ErrKeyNotFound {
			return nil // Expected for health check
		}
		return err
	})
}

// versionIndexKey orders versions by build number within an agent type.
func versionIndexKey(agentType string, buildNumber int) []byte {
	return []byte(fmt.Sprintf("%s%s:%08d", versionIndexPrefix, agentType, buildNumber))
}

func planIndexKey(agentType string, createdAt time.Time, planID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", planIndexPrefix, agentType, createdAt.UnixNano(), planID))
}

// CreateVersion stores a new agent version
func (s *BadgerStore) CreateVersion(ctx context.Context, version *types.AgentVersion) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(versionPrefix + version.ID)

		_, err := txn.Get(key)
		if err == nil {
			return errors.NewInvalidState("version", version.ID, string(version.Status), "already exists")
		}
		if err != badger.ErrKeyNotFound {
			return fmt.Errorf("failed to check version existence: %w", err)
		}

		data, err := json.Marshal(version)
		if err != nil {
			return fmt.Errorf("failed to marshal version: %w", err)
		}

		if err := txn.Set(key, data); err != nil {
			return fmt.Errorf("failed to store version: %w", err)
		}

		return txn.Set(versionIndexKey(version.AgentType, version.BuildNumber), []byte(version.ID))
	})
}

// GetVersion retrieves a version by ID
func (s *BadgerStore) GetVersion(ctx context.Context, versionID string) (*types.AgentVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	var version *types.AgentVersion

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(versionPrefix + versionID))
		if err == badger.ErrKeyNotFound {
			return errors.NewNotFound("version", versionID)
		}
		if err != nil {
			return fmt.Errorf("failed to get version: %w", err)
		}

		return item.Value(func(val []byte) error {
			version = &types.AgentVersion{}
			return json.Unmarshal(val, version)
		})
	})

	return version, err
}

// UpdateVersion updates an existing version
func (s *BadgerStore) UpdateVersion(ctx context.Context, version *types.AgentVersion) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(versionPrefix + version.ID)

		_, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return errors.NewNotFound("version", version.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to check version existence: %w", err)
		}

		data, err := json.Marshal(version)
		if err != nil {
			return fmt.Errorf("failed to marshal version: %w", err)
		}

		return txn.Set(key, data)
	})
}

// ListVersions returns all versions for an agent type ordered by build number
func (s *BadgerStore) ListVersions(ctx context.Context, agentType string) ([]*types.AgentVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	versions := make([]*types.AgentVersion, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(versionIndexPrefix + agentType + ":")

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var versionID string
			if err := it.Item().Value(func(val []byte) error {
				versionID = string(val)
				return nil
			}); err != nil {
				return err
			}

			item, err := txn.Get([]byte(versionPrefix + versionID))
			if err != nil {
				return fmt.Errorf("failed to resolve version index %s: %w", versionID, err)
			}

			version := &types.AgentVersion{}
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, version)
			}); err != nil {
				return err
			}
			versions = append(versions, version)
		}

		return nil
	})

	return versions, err
}

// CreatePlan stores a new deployment plan
func (s *BadgerStore) CreatePlan(ctx context.Context, plan *types.DeploymentPlan) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(planPrefix + plan.ID)

		_, err := txn.Get(key)
		if err == nil {
			return errors.NewInvalidState("plan", plan.ID, string(plan.Status), "already exists")
		}
		if err != badger.ErrKeyNotFound {
			return fmt.Errorf("failed to check plan existence: %w", err)
		}

		data, err := json.Marshal(plan)
		if err != nil {
			return fmt.Errorf("failed to marshal plan: %w", err)
		}

		if err := txn.Set(key, data); err != nil {
			return fmt.Errorf("failed to store plan: %w", err)
		}

		return txn.Set(planIndexKey(plan.AgentType, plan.CreatedAt, plan.ID), []byte(plan.ID))
	})
}

// GetPlan retrieves a plan by ID
func (s *BadgerStore) GetPlan(ctx context.Context, planID string) (*types.DeploymentPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	var plan *types.DeploymentPlan

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(planPrefix + planID))
		if err == badger.ErrKeyNotFound {
			return errors.NewNotFound("plan", planID)
		}
		if err != nil {
			return fmt.Errorf("failed to get plan: %w", err)
		}

		return item.Value(func(val []byte) error {
			plan = &types.DeploymentPlan{}
			return json.Unmarshal(val, plan)
		})
	})

	return plan, err
}

// UpdatePlan updates an existing plan
func (s *BadgerStore) UpdatePlan(ctx context.Context, plan *types.DeploymentPlan) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(planPrefix + plan.ID)

		_, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return errors.NewNotFound("plan", plan.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to check plan existence: %w", err)
		}

		data, err := json.Marshal(plan)
		if err != nil {
			return fmt.Errorf("failed to marshal plan: %w", err)
		}

		return txn.Set(key, data)
	})
}

// ListPlans returns plans for an agent type in creation order
func (s *BadgerStore) ListPlans(ctx context.Context, agentType string) ([]*types.DeploymentPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	plans := make([]*types.DeploymentPlan, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(planIndexPrefix)
		if agentType != "" {
			prefix = []byte(planIndexPrefix + agentType + ":")
		}

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var planID string
			if err := it.Item().Value(func(val []byte) error {
				planID = string(val)
				return nil
			}); err != nil {
				return err
			}

			item, err := txn.Get([]byte(planPrefix + planID))
			if err != nil {
				return fmt.Errorf("failed to resolve plan index %s: %w", planID, err)
			}

			plan := &types.DeploymentPlan{}
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, plan)
			}); err != nil {
				return err
			}
			plans = append(plans, plan)
		}

		return nil
	})

	return plans, err
}

// RecordEvent appends a control-plane event with a TTL
func (s *BadgerStore) RecordEvent(ctx context.Context, event *types.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(fmt.Sprintf("%s%020d:%s", eventPrefix, event.Timestamp.UnixNano(), event.ID))

		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}

		entry := badger.NewEntry(key, data).WithTTL(s.eventTTL)
		return txn.SetEntry(entry)
	})
}

// GetEvents retrieves events matching the filter, newest first
func (s *BadgerStore) GetEvents(ctx context.Context, filter map[string]string, limit int) ([]*types.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	events := make([]*types.Event, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(eventPrefix)
		// Reverse iteration starts just past the prefix range.
		seek := append(append([]byte{}, prefix...), 0xFF)

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(events) >= limit {
				break
			}

			event := &types.Event{}
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, event)
			}); err != nil {
				return err
			}

			if matchesEventFilter(event, filter) {
				events = append(events, event)
			}
		}

		return nil
	})

	return events, err
}
