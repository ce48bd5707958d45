package wal

import (
	"encoding/json"
	"sort"
	"time"
)

// PendingTx is a transaction whose last journaled state is not terminal
type PendingTx struct {
	TxID      string
	State     EntryType
	Created   json.RawMessage // data of the tx_created entry
	Files     []string        // every resource touched by the transaction's entries
	StartedAt time.Time
	LastSeen  time.Time
}

// Pending returns unfinished transactions in dir, oldest first
func Pending(dir string) ([]PendingTx, error) {
	return PendingWithConfig(dir, DefaultConfig())
}

// PendingWithConfig is Pending for a non-default file prefix
func PendingWithConfig(dir string, config Config) ([]PendingTx, error) {
	byID := make(map[string]*PendingTx)
	seen := make(map[string]map[string]bool)

	err := ReplayWithConfig(dir, config, time.Time{}, func(e *Entry) error {
		if e.TxID == "" || !isTxEntry(e.Type) {
			return nil
		}
		tx, ok := byID[e.TxID]
		if !ok {
			tx = &PendingTx{TxID: e.TxID, StartedAt: e.Timestamp}
			byID[e.TxID] = tx
			seen[e.TxID] = make(map[string]bool)
		}
		tx.State = e.Type
		tx.LastSeen = e.Timestamp
		if e.Type == EntryTxCreated {
			tx.Created = e.Data
		}
		if e.ResourceID != "" && !seen[e.TxID][e.ResourceID] {
			seen[e.TxID][e.ResourceID] = true
			tx.Files = append(tx.Files, e.ResourceID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []PendingTx
	for _, tx := range byID {
		if !tx.State.Terminal() {
			out = append(out, *tx)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].TxID < out[j].TxID
	})
	return out, nil
}

func isTxEntry(t EntryType) bool {
	switch t {
	case EntryTxCreated, EntryTxLocked, EntryTxBackedUp, EntryTxApplying,
		EntryTxCommitted, EntryTxRollingBack, EntryTxAborted:
		return true
	}
	return false
}
