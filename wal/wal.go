package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// EntryType defines the type of WAL entry
type EntryType string

const (
	EntryDecided  EntryType = "decided"
	EntryHardStop EntryType = "hard_stop"

	EntryTxCreated     EntryType = "tx_created"
	EntryTxLocked      EntryType = "tx_locked"
	EntryTxBackedUp    EntryType = "tx_backed_up"
	EntryTxApplying    EntryType = "tx_applying"
	EntryTxCommitted   EntryType = "tx_committed"
	EntryTxRollingBack EntryType = "tx_rolling_back"
	EntryTxAborted     EntryType = "tx_aborted"

	EntryDriftOverride EntryType = "drift_override"
)

// Terminal reports whether a transaction in this state is finished
func (t EntryType) Terminal() bool {
	return t == EntryTxCommitted || t == EntryTxAborted
}

// Entry represents a single WAL entry
type Entry struct {
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
	Type       EntryType       `json:"type"`
	TxID       string          `json:"tx_id,omitempty"`
	ResourceID string          `json:"resource_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Config controls file naming and rotation
type Config struct {
	FilePrefix    string
	MaxFileSize   int64
	RetentionDays int
}

// DefaultConfig returns the journal defaults
func DefaultConfig() Config {
	return Config{
		FilePrefix:    "tollgate",
		MaxFileSize:   16 << 20,
		RetentionDays: 30,
	}
}

// WAL is the append-only audit and recovery journal
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	size     int64
	sequence int64
	dir      string
	config   Config
	now      func() time.Time
}

// Open creates or opens a WAL in dir with the default config
func Open(dir string) (*WAL, error) {
	return OpenWithConfig(dir, DefaultConfig())
}

// OpenWithConfig creates a new journal file in dir. Sequence numbers
// continue from the highest one found in existing files.
func OpenWithConfig(dir string, config Config) (*WAL, error) {
	if config.FilePrefix == "" {
		config.FilePrefix = DefaultConfig().FilePrefix
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	w := &WAL{
		dir:    dir,
		config: config,
		now:    time.Now,
	}
	w.loadSequence()

	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// Dir returns the journal directory
func (w *WAL) Dir() string {
	return w.dir
}

// Close flushes and closes the WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Append adds an entry to the WAL
func (w *WAL) Append(entryType EntryType, txID, resourceID string, data any) error {
	return w.append(entryType, txID, resourceID, data, nil)
}

// AppendError adds an entry carrying an error to the WAL
func (w *WAL) AppendError(entryType EntryType, txID, resourceID string, data any, errToLog error) error {
	return w.append(entryType, txID, resourceID, data, errToLog)
}

func (w *WAL) append(entryType EntryType, txID, resourceID string, data any, errToLog error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
		raw = b
	}

	w.sequence++
	entry := Entry{
		Timestamp:  w.now().UTC(),
		Sequence:   w.sequence,
		Type:       entryType,
		TxID:       txID,
		ResourceID: resourceID,
		Data:       raw,
	}
	if errToLog != nil {
		entry.Error = errToLog.Error()
	}

	if err := w.writeEntry(entry); err != nil {
		return err
	}
	if w.config.MaxFileSize > 0 && w.size >= w.config.MaxFileSize {
		return w.rotate()
	}
	return nil
}

// writeEntry writes one JSON line and syncs it
func (w *WAL) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := w.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	w.size += int64(len(line))

	return w.file.Sync()
}

func (w *WAL) openFile() error {
	name := fmt.Sprintf("%s-%s-%d-%06d.wal",
		w.config.FilePrefix, w.now().UTC().Format("20060102-150405"), os.Getpid(), w.sequence+1)
	path := filepath.Join(w.dir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open WAL file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat WAL file: %w", err)
	}

	w.file = file
	w.writer = bufio.NewWriter(file)
	w.size = info.Size()
	return nil
}

func (w *WAL) rotate() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	return w.openFile()
}

// loadSequence continues from the highest sequence in existing files
func (w *WAL) loadSequence() {
	var maxSeq int64
	for _, file := range listFiles(w.dir, w.config.FilePrefix) {
		if s := getMaxSequenceFromFile(file); s > maxSeq {
			maxSeq = s
		}
	}
	w.sequence = maxSeq
}

func (w *WAL) listWALFiles() []string {
	return listFiles(w.dir, w.config.FilePrefix)
}

// listFiles returns journal files sorted by name, which sorts by creation time
func listFiles(dir, prefix string) []string {
	files, err := filepath.Glob(filepath.Join(dir, prefix+"-*.wal"))
	if err != nil {
		return nil
	}
	sort.Strings(files)
	return files
}

// Reader provides WAL replay functionality
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader creates a WAL reader for the specified file
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)

	return &Reader{
		scanner: scanner,
		file:    file,
	}, nil
}

// ErrCorruptEntry marks a line that is not a valid entry
var ErrCorruptEntry = errors.New("corrupt WAL entry")

// Next reads the next entry from the WAL
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}

	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay calls handler for every entry after since, oldest file first.
// A corrupt final line of a file is a torn write from a crash and is
// skipped; corruption followed by valid entries is an error.
func Replay(dir string, since time.Time, handler func(*Entry) error) error {
	return ReplayWithConfig(dir, DefaultConfig(), since, handler)
}

// ReplayWithConfig is Replay for a non-default file prefix
func ReplayWithConfig(dir string, config Config, since time.Time, handler func(*Entry) error) error {
	for _, file := range listFiles(dir, config.FilePrefix) {
		if err := replayFile(file, since, handler); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, since time.Time, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	var torn error
	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, ErrCorruptEntry) {
			torn = fmt.Errorf("%s: %w", path, err)
			continue
		}
		if err != nil {
			return err
		}
		if torn != nil {
			return torn
		}

		if entry.Timestamp.After(since) {
			if err := handler(entry); err != nil {
				return err
			}
		}
	}
}

// scanMaxSequenceInFile returns the max sequence, skipping corrupt entries
func scanMaxSequenceInFile(reader *Reader) int64 {
	maxSeq := int64(0)
	for {
		entry, err := reader.Next()
		if err != nil {
			if errors.Is(err, ErrCorruptEntry) {
				continue
			}
			break
		}
		if entry.Sequence > maxSeq {
			maxSeq = entry.Sequence
		}
	}
	return maxSeq
}

func getMaxSequenceFromFile(path string) int64 {
	reader, err := NewReader(path)
	if err != nil {
		return 0
	}
	defer func() { _ = reader.Close() }()

	return scanMaxSequenceInFile(reader)
}
