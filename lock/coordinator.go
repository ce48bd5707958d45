// Package lock serialises transactions that touch the same files.
//
// Locks are flock(2) locks on sidecar files under a lock directory, one per
// canonical target path, so they survive atomic renames of the target.
// Every caller takes its locks in lexical path order, which rules out
// lock-order deadlocks between transactions.
package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/yairfalse/tollgate/telemetry"
	"github.com/yairfalse/tollgate/types"
)

var (
	// ErrLocked means another holder has the lock right now
	ErrLocked = errors.New("file is locked")

	// ErrLockTimeout means the locks could not be acquired within the bounds
	ErrLockTimeout = errors.New("lock acquisition timed out")
)

// Default bounds
const (
	DefaultTimeout        = 30 * time.Second
	DefaultInitialBackoff = 50 * time.Millisecond
	DefaultMaxBackoff     = 2 * time.Second
)

// Config bounds lock acquisition
type Config struct {
	Dir            string
	Timeout        time.Duration
	MaxRetries     uint // per path; 0 means bounded by Timeout only
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	return c
}

// Coordinator hands out exclusive leases over sets of files
type Coordinator struct {
	cfg     Config
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewCoordinator creates the lock directory if needed
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Dir == "" {
		return nil, errors.New("lock directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory %s: %w", cfg.Dir, err)
	}
	return &Coordinator{
		cfg:     cfg.withDefaults(),
		logger:  telemetry.NewLogger("lock-coordinator"),
		metrics: telemetry.DefaultMetrics(),
	}, nil
}

// Holder is written into a sidecar while its lock is held
type Holder struct {
	PID        int       `json:"pid"`
	TxID       string    `json:"tx_id"`
	Path       string    `json:"path"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lease is a set of held locks
type Lease struct {
	paths []string
	files []*os.File
	once  sync.Once
	err   error
}

// Paths returns the locked canonical paths in acquisition order
func (l *Lease) Paths() []string {
	return append([]string(nil), l.paths...)
}

// Release unlocks in reverse acquisition order. Safe to call more than once.
func (l *Lease) Release() error {
	l.once.Do(func() {
		for i := len(l.files) - 1; i >= 0; i-- {
			if err := unlockFile(l.files[i]); err != nil && l.err == nil {
				l.err = fmt.Errorf("unlocking %s: %w", l.paths[i], err)
			}
			if err := l.files[i].Close(); err != nil && l.err == nil {
				l.err = err
			}
		}
	})
	return l.err
}

// SortedPaths canonicalises, de-duplicates and sorts paths lexically
func SortedPaths(paths []string) ([]string, error) {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		c, err := types.CanonicalPath(p)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// Acquire locks every path in canonical order. On timeout or exhausted
// retries all locks taken so far are released and ErrLockTimeout is
// returned; if ctx itself ends, its error is returned instead.
func (c *Coordinator) Acquire(ctx context.Context, paths []string, txID string) (*Lease, error) {
	ordered, err := SortedPaths(paths)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	lease := &Lease{}

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	for _, p := range ordered {
		f, err := c.acquireOne(waitCtx, p, txID)
		if err != nil {
			_ = lease.Release()
			c.metrics.RecordLockWait(ctx, time.Since(start).Seconds(), false)

			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, ErrLocked) || errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s waiting for %s%s; retry once the other transaction finishes",
					ErrLockTimeout, time.Since(start).Round(time.Millisecond), p, c.describeHolder(p))
			}
			return nil, err
		}
		lease.paths = append(lease.paths, p)
		lease.files = append(lease.files, f)
	}

	c.metrics.RecordLockWait(ctx, time.Since(start).Seconds(), true)
	c.logger.WithContext(ctx).Debug().
		Str("tx_id", txID).
		Strs("paths", ordered).
		Dur("wait", time.Since(start)).
		Msg("locks acquired")

	return lease, nil
}

func (c *Coordinator) acquireOne(ctx context.Context, path, txID string) (*os.File, error) {
	sidecar := c.sidecar(path)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(c.cfg.Timeout),
	}
	if c.cfg.MaxRetries > 0 {
		opts = append(opts, backoff.WithMaxTries(c.cfg.MaxRetries+1))
	}

	return backoff.Retry(ctx, func() (*os.File, error) {
		f, err := os.OpenFile(sidecar, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("opening lock file %s: %w", sidecar, err))
		}
		if err := lockFile(f); err != nil {
			_ = f.Close()
			if errors.Is(err, ErrLocked) {
				return nil, err
			}
			return nil, backoff.Permanent(fmt.Errorf("locking %s: %w", sidecar, err))
		}
		writeHolder(f, Holder{PID: os.Getpid(), TxID: txID, Path: path, AcquiredAt: time.Now().UTC()})
		return f, nil
	}, opts...)
}

func (c *Coordinator) sidecar(path string) string {
	sum := sha256.Sum256([]byte(path))
	return filepath.Join(c.cfg.Dir, hex.EncodeToString(sum[:])+".lock")
}

func (c *Coordinator) describeHolder(path string) string {
	data, err := os.ReadFile(c.sidecar(path))
	if err != nil || len(data) == 0 {
		return ""
	}
	var h Holder
	if json.Unmarshal(data, &h) != nil {
		return ""
	}
	return fmt.Sprintf(" (held by pid %d, transaction %s)", h.PID, h.TxID)
}

// writeHolder is best effort; the lock itself is the flock, not the content
func writeHolder(f *os.File, h Holder) {
	data, err := json.Marshal(h)
	if err != nil {
		return
	}
	if err := f.Truncate(0); err != nil {
		return
	}
	_, _ = f.WriteAt(data, 0)
}
