package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/tollgate/types"
)

// Bucket names in bbolt
var (
	bucketBaselines = []byte("baselines")
	bucketMeta      = []byte("meta")
	keyCurrentRev   = []byte("current_revision")
)

// ErrNotFound is returned when no baseline was recorded for a path
var ErrNotFound = errors.New("baseline not found")

// Baseline is one recorded content hash of a file
type Baseline struct {
	Path       string    `json:"path"`
	Hash       string    `json:"hash"`
	Revision   int64     `json:"revision"`
	RecordedAt time.Time `json:"recorded_at"`
	Source     string    `json:"source,omitempty"` // "manual", "commit", "override"
}

// fileState tracks the latest baseline per file in the index
type fileState struct {
	Path         string
	Hash         string
	FirstSeenRev int64
	LastSeenRev  int64
	RecordedAt   time.Time
	Source       string
}

// BaselineStore keeps every recorded baseline as a revision in bbolt and the
// latest one per file in an ordered in-memory index
type BaselineStore struct {
	mu sync.RWMutex

	index *btree.BTreeG[*fileState]
	db    *bbolt.DB

	currentRev int64
	now        func() time.Time
}

// OpenBaselineStore opens or creates baselines.db in dir
func OpenBaselineStore(dir string) (*BaselineStore, error) {
	dbPath := filepath.Join(dir, "baselines.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open baseline database %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketBaselines, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &BaselineStore{
		index: btree.NewG[*fileState](32, func(a, b *fileState) bool {
			return a.Path < b.Path
		}),
		db:  db,
		now: time.Now,
	}

	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to rebuild baseline index: %w", err)
	}

	return s, nil
}

// Close closes the store
func (s *BaselineStore) Close() error {
	return s.db.Close()
}

// Record stores hash as the new baseline of path
func (s *BaselineStore) Record(path, hash, source string) (Baseline, error) {
	canonical, err := types.CanonicalPath(path)
	if err != nil {
		return Baseline{}, err
	}
	h, err := types.NormalizeHash(hash)
	if err != nil {
		return Baseline{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rev := s.currentRev + 1
	b := Baseline{
		Path:       canonical,
		Hash:       h,
		Revision:   rev,
		RecordedAt: s.now().UTC(),
		Source:     source,
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		value, err := json.Marshal(b)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketBaselines).Put(makeKey(rev, canonical), value); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyCurrentRev, []byte(strconv.FormatInt(rev, 10)))
	})
	if err != nil {
		return Baseline{}, fmt.Errorf("failed to record baseline for %s: %w", canonical, err)
	}

	s.currentRev = rev
	s.updateIndex(b)
	return b, nil
}

// Get returns the latest baseline of path
func (s *BaselineStore) Get(path string) (Baseline, error) {
	canonical, err := types.CanonicalPath(path)
	if err != nil {
		return Baseline{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	st, found := s.index.Get(&fileState{Path: canonical})
	if !found {
		return Baseline{}, fmt.Errorf("%w for %s; run `tollgate baseline record %s`", ErrNotFound, canonical, canonical)
	}
	return st.baseline(), nil
}

// History returns every retained baseline of path, oldest first
func (s *BaselineStore) History(path string) ([]Baseline, error) {
	canonical, err := types.CanonicalPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Baseline
	err = s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketBaselines).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			_, p, ok := parseKey(k)
			if !ok || p != canonical {
				continue
			}
			var b Baseline
			if err := json.Unmarshal(v, &b); err != nil {
				return fmt.Errorf("corrupt baseline record %s: %w", k, err)
			}
			out = append(out, b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns the latest baseline of every tracked file, ordered by path
func (s *BaselineStore) List() []Baseline {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Baseline, 0, s.index.Len())
	s.index.Ascend(func(st *fileState) bool {
		out = append(out, st.baseline())
		return true
	})
	return out
}

// CurrentRevision returns the newest revision number
func (s *BaselineStore) CurrentRevision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

// Compact drops revisions older than the newest keep revisions.
// The latest baseline of each file is always retained.
func (s *BaselineStore) Compact(keep int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.currentRev - keep
	if cutoff <= 0 {
		return 0, nil
	}

	latest := make(map[string]int64, s.index.Len())
	s.index.Ascend(func(st *fileState) bool {
		latest[st.Path] = st.LastSeenRev
		return true
	})

	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketBaselines)
		c := bucket.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			rev, p, ok := parseKey(k)
			if !ok || rev >= cutoff || latest[p] == rev {
				continue
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}

		for _, key := range toDelete {
			if err := bucket.Delete(key); err != nil {
				return err
			}
		}
		deleted = len(toDelete)
		return nil
	})
	return deleted, err
}

func (s *BaselineStore) updateIndex(b Baseline) {
	existing, found := s.index.Get(&fileState{Path: b.Path})
	if !found {
		existing = &fileState{Path: b.Path, FirstSeenRev: b.Revision}
	}
	existing.Hash = b.Hash
	existing.LastSeenRev = b.Revision
	existing.RecordedAt = b.RecordedAt
	existing.Source = b.Source
	s.index.ReplaceOrInsert(existing)
}

func (s *BaselineStore) rebuildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(bucketMeta).Get(keyCurrentRev); data != nil {
			rev, err := strconv.ParseInt(string(data), 10, 64)
			if err != nil {
				return fmt.Errorf("corrupt current revision %q: %w", data, err)
			}
			s.currentRev = rev
		}

		// keys sort by revision, so later records overwrite earlier ones
		return tx.Bucket(bucketBaselines).ForEach(func(k, v []byte) error {
			var b Baseline
			if err := json.Unmarshal(v, &b); err != nil {
				return fmt.Errorf("corrupt baseline record %s: %w", k, err)
			}
			s.updateIndex(b)
			return nil
		})
	})
}

func (st *fileState) baseline() Baseline {
	return Baseline{
		Path:       st.Path,
		Hash:       st.Hash,
		Revision:   st.LastSeenRev,
		RecordedAt: st.RecordedAt,
		Source:     st.Source,
	}
}

func makeKey(rev int64, path string) []byte {
	return []byte(fmt.Sprintf("%016d:%s", rev, path))
}

func parseKey(key []byte) (int64, string, bool) {
	revPart, path, ok := strings.Cut(string(key), ":")
	if !ok {
		return 0, "", false
	}
	rev, err := strconv.ParseInt(revPart, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return rev, path, true
}
