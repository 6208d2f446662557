package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/raphaelgruber/sheetflow/internal/models"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRuns    = []byte("runs")
	bucketCatalog = []byte("catalog_tables")
)

// BoltStore is a RunStore backed by a single bbolt file. bbolt serializes write
// transactions, so a read-check-write inside one Update is atomic.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

var _ RunStore = (*BoltStore)(nil)

// OpenBolt opens (or creates) the store file at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRuns, bucketCatalog} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return &BoltStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) CreateRun(ctx context.Context, run *models.Run) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if b.Get([]byte(run.ID)) != nil {
			return fmt.Errorf("run %s already exists", run.ID)
		}
		return b.Put([]byte(run.ID), raw)
	})
}

func (s *BoltStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var run *models.Run
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		run, err = getRun(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *BoltStore) ListRuns(ctx context.Context, filter models.RunFilter) ([]models.Run, error) {
	filter = filter.Normalize()
	out := make([]models.Run, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(_, v []byte) error {
			var run models.Run
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			if filter.Matches(&run) {
				out = append(out, run)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Offset >= len(out) {
		return []models.Run{}, nil
	}
	out = out[filter.Offset:]
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *BoltStore) TransitionRun(ctx context.Context, id string, t Transition) (bool, error) {
	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		run, err := getRun(tx, id)
		if err != nil {
			return err
		}
		if !slices.Contains(t.From, run.Status) {
			return nil
		}
		run.ApplyTransition(t.To, t.ErrorMessage, s.now())
		applied = true
		return putRun(tx, run)
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *BoltStore) SaveRunState(ctx context.Context, state *models.Run) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		run, err := getRun(tx, state.ID)
		if err != nil {
			return err
		}
		run.CopyState(state)
		return putRun(tx, run)
	})
}

func (s *BoltStore) UpdateReview(ctx context.Context, id string, decisions []models.ReviewDecision, plan *models.ExtractionPlan) (bool, error) {
	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		run, err := getRun(tx, id)
		if err != nil {
			return err
		}
		if run.Status != models.StatusReviewPending {
			return nil
		}
		now := s.now()
		run.ReviewDecisions = decisions
		run.ExtractionPlanModified = plan
		run.ReviewSubmittedAt = &now
		applied = true
		return putRun(tx, run)
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *BoltStore) DeleteRun(ctx context.Context, id string, allowed []models.RunStatus) (bool, error) {
	deleted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		run, err := getRun(tx, id)
		if err != nil {
			return err
		}
		if !slices.Contains(allowed, run.Status) {
			return nil
		}
		deleted = true
		return tx.Bucket(bucketRuns).Delete([]byte(id))
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

func (s *BoltStore) RegisterTables(ctx context.Context, tables []models.CatalogTable) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCatalog)
		for _, t := range tables {
			raw, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if err := b.Put(catalogKey(t.RunID, t.Name), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListTables returns a run's catalog tables in registration key order.
func (s *BoltStore) ListTables(ctx context.Context, runID string) ([]models.CatalogTable, error) {
	out := make([]models.CatalogTable, 0)
	prefix := catalogKey(runID, "")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCatalog).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var t models.CatalogTable
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

func getRun(tx *bolt.Tx, id string) (*models.Run, error) {
	raw := tx.Bucket(bucketRuns).Get([]byte(id))
	if raw == nil {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	var run models.Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", id, err)
	}
	return &run, nil
}

func putRun(tx *bolt.Tx, run *models.Run) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return err
	}
	b := tx.Bucket(bucketRuns)
	if b == nil {
		return errors.New("runs bucket missing")
	}
	return b.Put([]byte(run.ID), raw)
}

func catalogKey(runID, table string) []byte {
	return []byte(runID + "/" + table)
}
