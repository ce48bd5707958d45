package storage

// BaselineWriter records baselines
type BaselineWriter interface {
	Record(path, hash, source string) (Baseline, error)
}

// BaselineReader queries recorded baselines
type BaselineReader interface {
	Get(path string) (Baseline, error)
	History(path string) ([]Baseline, error)
	List() []Baseline
}

// Baselines combines read and write for baselines
type Baselines interface {
	BaselineReader
	BaselineWriter
	CurrentRevision() int64
}

// Compactor drops old revisions
type Compactor interface {
	Compact(keepRevisions int64) (int, error)
}

// Lifecycle manages storage lifecycle
type Lifecycle interface {
	Close() error
}

// Storage is the complete storage interface combining all capabilities
type Storage interface {
	Baselines
	Compactor
	Lifecycle
}
