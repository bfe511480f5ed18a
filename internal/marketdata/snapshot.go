package marketdata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/yorhagengyue/quotegate/internal/observ"
)

// SnapshotRecord is the durable form of the most recent successful fetch for
// one key. The snapshot is a lagging mirror of the cache: a record is never
// newer than the last cache write for its key.
type SnapshotRecord struct {
	Key       RequestKey
	Payload   Payload
	FetchedAt time.Time
}

type snapshotRecordJSON struct {
	Kind      Kind            `json:"kind"`
	Symbol    string          `json:"symbol"`
	Params    string          `json:"params,omitempty"`
	FetchedAt time.Time       `json:"fetched_at"`
	Data      json.RawMessage `json:"data"`
}

type snapshotFile struct {
	Version int                  `json:"version"`
	SavedAt time.Time            `json:"saved_at"`
	Records []snapshotRecordJSON `json:"records"`
}

// SnapshotStore keeps the last-known-good values in memory and mirrors them
// to a single JSON document on disk. Disk failures are reported as
// *DataError(snapshot_io) for logging but must never stop request serving;
// callers log and move on.
type SnapshotStore struct {
	mu      sync.RWMutex
	path    string
	records map[RequestKey]SnapshotRecord
	clock   Clock

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSnapshotStore creates a store backed by the file at path
func NewSnapshotStore(path string, clock Clock) *SnapshotStore {
	if clock == nil {
		clock = SystemClock()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			observ.LogError("snapshot_dir_error", err, map[string]any{"dir": dir})
		}
	}
	return &SnapshotStore{
		path:    path,
		records: make(map[RequestKey]SnapshotRecord),
		clock:   clock,
		stopCh:  make(chan struct{}),
	}
}

// Load reads the snapshot file into the in-memory map. A missing file is a
// normal first boot and returns nil. Unreadable or malformed content returns
// a snapshot_io error after leaving the store empty; the caller logs it and
// serves traffic anyway.
func (s *SnapshotStore) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			observ.Log("snapshot_absent", map[string]any{"path": s.path})
			return nil
		}
		observ.IncCounter("snapshot_loads_total", map[string]string{"result": "error"})
		return NewSnapshotIOError("read snapshot file", err)
	}

	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		observ.IncCounter("snapshot_loads_total", map[string]string{"result": "error"})
		return NewSnapshotIOError("parse snapshot file", err)
	}

	loaded, skipped := 0, 0
	s.mu.Lock()
	for _, rec := range file.Records {
		payload, err := decodePayload(rec.Kind, rec.Data)
		if err != nil {
			skipped++
			continue
		}
		key := RequestKey{Kind: rec.Kind, Symbol: rec.Symbol, Params: rec.Params}
		s.records[key] = SnapshotRecord{Key: key, Payload: payload, FetchedAt: rec.FetchedAt}
		loaded++
	}
	total := len(s.records)
	s.mu.Unlock()

	observ.IncCounter("snapshot_loads_total", map[string]string{"result": "ok"})
	observ.SetGauge("snapshot_records", float64(total), nil)
	observ.Log("snapshot_loaded", map[string]any{
		"path":     s.path,
		"records":  loaded,
		"skipped":  skipped,
		"saved_at": file.SavedAt.Format(time.RFC3339),
	})
	return nil
}

// Lookup returns the record for key, if one survived from a previous run or
// was written this run.
func (s *SnapshotStore) Lookup(key RequestKey) (SnapshotRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	return rec, ok
}

// Update records a successful fetch. Only the in-memory mirror moves here;
// disk catches up on the next flush.
func (s *SnapshotStore) Update(key RequestKey, payload Payload, fetchedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[key]; ok && existing.FetchedAt.After(fetchedAt) {
		return
	}
	s.records[key] = SnapshotRecord{Key: key, Payload: payload, FetchedAt: fetchedAt}
}

// Len reports the number of records held
func (s *SnapshotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

/// Save writes the whole record set to disk atomically: marshal, write a temp
// file next to the target, then rename over it so a crash never leaves a
// partial snapshot.
func (s *SnapshotStore) Save() error {
	s.mu.RLock()
	file := snapshotFile{
		Version: 1,
		SavedAt: s.clock.Now().UTC(),
		Records: make([]snapshotRecordJSON, 0, len(s.records)),
	}
	for key, rec := range s.records {
		data, err := json.Marshal(rec.Payload)
		if err != nil {
			s.mu.RUnlock()
			observ.IncCounter("snapshot_saves_total", map[string]string{"result": "error"})
			return NewSnapshotIOError(fmt.Sprintf("marshal record %s", key), err)
		}
		file.Records = append(file.Records, snapshotRecordJSON{
			Kind:      key.Kind,
			Symbol:    key.Symbol,
			Params:    key.Params,
			FetchedAt: rec.FetchedAt,
			Data:      data,
		})
	}
	s.mu.RUnlock()

	// Stable order so identical state produces identical files.
	sort.Slice(file.Records, func(i, j int) bool {
		a, b := file.Records[i], file.Records[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.Params < b.Params
	})

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		observ.IncCounter("snapshot_saves_total", map[string]string{"result": "error"})
		return NewSnapshotIOError("marshal snapshot", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		observ.IncCounter("snapshot_saves_total", map[string]string{"result": "error"})
		return NewSnapshotIOError("write temp snapshot", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		observ.IncCounter("snapshot_saves_total", map[string]string{"result": "error"})
		return NewSnapshotIOError("rename snapshot", err)
	}

	observ.IncCounter("snapshot_saves_total", map[string]string{"result": "ok"})
	observ.SetGauge("snapshot_records", float64(len(file.Records)), nil)
	observ.Log("snapshot_saved", map[string]any{"path": s.path, "records": len(file.Records)})
	return nil
}

// StartFlushLoop begins periodic background saves at the given interval
func (s *SnapshotStore) StartFlushLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go s.flushLoop(interval)

	observ.Log("snapshot_flush_started", map[string]any{
		"path":     s.path,
		"interval": interval.String(),
	})
}

// Stop halts the flush loop and performs a final save. The returned error is
// for logging only; shutdown proceeds regardless.
func (s *SnapshotStore) Stop() error {
	close(s.stopCh)
	s.wg.Wait()
	return s.Save()
}

func (s *SnapshotStore) flushLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Save(); err != nil {
				observ.LogError("snapshot_flush_error", err, nil)
			}
		case <-s.stopCh:
			return
		}
	}
}

// decodePayload rebuilds a typed payload from its persisted JSON by kind
func decodePayload(kind Kind, data json.RawMessage) (Payload, error) {
	switch kind {
	case KindQuote:
		var q Quote
		if err := json.Unmarshal(data, &q); err != nil {
			return nil, err
		}
		return &q, nil
	case KindProfile:
		var p Profile
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case KindHistory:
		var h History
		if err := json.Unmarshal(data, &h); err != nil {
			return nil, err
		}
		return &h, nil
	default:
		return nil, fmt.Errorf("unknown payload kind %q", kind)
	}
}
