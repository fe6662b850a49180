// Package store implements the Trade Store (spec.md §4.7): an append-only
// journal of TradeOutcome records, plus an optional durable mirror.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	arb "github.com/ChoSanghyuk/arbengine"
)

// Mirror is an optional durable sink a JournalStore writes every appended
// outcome through to, in addition to the local file.
type Mirror interface {
	RecordOutcome(outcome arb.TradeOutcome) error
}

// JournalStore is the single-writer, append-only trade journal. Concurrent
// writers are forbidden; Append serializes access with a mutex to make that
// invariant hold even if callers are careless.
type JournalStore struct {
	mu     sync.Mutex
	file   *os.File
	mirror Mirror
}

// Open opens (creating if absent) the NDJSON journal at path for
// appending. mirror may be nil.
func Open(path string, mirror Mirror) (*JournalStore, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open journal: %w", err)
	}
	return &JournalStore{file: f, mirror: mirror}, nil
}

// Append writes one record to the journal, per spec.md §4.7's invariant:
// every submitted transaction yields exactly one terminal entry.
func (s *JournalStore) Append(outcome arb.TradeOutcome) error {
	if err := outcome.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("store: marshal outcome: %w", err)
	}
	line = append(line, '\n')

	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("store: append journal: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("store: fsync journal: %w", err)
	}

	if s.mirror != nil {
		if err := s.mirror.RecordOutcome(outcome); err != nil {
			return fmt.Errorf("store: mirror outcome: %w", err)
		}
	}
	return nil
}

// Close closes the underlying file.
func (s *JournalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// SessionAggregate summarizes a stream of TradeOutcome records.
type SessionAggregate struct {
	TotalTrades     int
	SuccessCount    int
	RevertCount     int
	SimRevertCount  int
	TotalGrossProfit float64
	TotalNetProfit   float64
}

// ReadAggregate stream-scans the journal at path and computes session
// aggregates, per spec.md §4.7's read path. It never mutates the file.
func ReadAggregate(path string) (SessionAggregate, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return SessionAggregate{}, nil
		}
		return SessionAggregate{}, fmt.Errorf("store: open journal for read: %w", err)
	}
	defer f.Close()

	var agg SessionAggregate
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var outcome arb.TradeOutcome
		if err := json.Unmarshal(line, &outcome); err != nil {
			return SessionAggregate{}, fmt.Errorf("store: decode journal line: %w", err)
		}
		agg.TotalTrades++
		switch outcome.Status {
		case arb.StatusSuccess:
			agg.SuccessCount++
		case arb.StatusRevert:
			agg.RevertCount++
		case arb.StatusSimulationRevert:
			agg.SimRevertCount++
		}
		agg.TotalGrossProfit += outcome.GrossProfit
		agg.TotalNetProfit += outcome.NetProfit()
	}
	if err := scanner.Err(); err != nil {
		return SessionAggregate{}, fmt.Errorf("store: scan journal: %w", err)
	}
	return agg, nil
}
