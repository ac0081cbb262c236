// Package runrecord persists the outcome of every dispatched unit to a CSV
// log so a run can be resumed, reported on, or fed back into reprocessing.
// The write path mirrors the teacher's state manager: an in-memory map
// guarded by a mutex, flushed to a temp file and atomically renamed on
// every update so readers never observe a half-written log.
package runrecord

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bids-batch/bidsbatch/internal/bidsmodel"
)

var header = []string{
	"UnitID", "Subject", "Session", "Start", "Stop", "ExitCode",
	"LogPath", "Class", "JobID", "ScratchDir", "Detail",
}

// Log holds the latest recorded state of every unit, guarded by a mutex.
type Log struct {
	path string

	mu      sync.RWMutex
	records map[string]bidsmodel.RunRecord
}

// Open loads an existing log from path, if present, or starts empty.
func Open(path string) (*Log, error) {
	l := &Log{path: path, records: make(map[string]bidsmodel.RunRecord)}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := os.Stat(l.path); os.IsNotExist(err) {
		return nil
	}

	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("runrecord: cannot open log: %w", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return fmt.Errorf("runrecord: cannot parse log: %w", err)
	}
	if len(rows) < 2 {
		return nil
	}
	for _, row := range rows[1:] {
		if len(row) < len(header) {
			continue
		}
		rec, id, err := parseRow(row)
		if err != nil {
			continue
		}
		l.records[id] = rec
	}
	return nil
}

// Put records the state of one unit, replacing any earlier record for that
// unit, and persists the log
// immediately, while still holding the lock, so concurrent readers never
// see a partial flush.
func (l *Log) Put(rec bidsmodel.RunRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[rec.Unit.ID()] = rec
	return l.saveLocked()
}

// Get returns the recorded state for a unit, if any.
func (l *Log) Get(u bidsmodel.Unit) (bidsmodel.RunRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[u.ID()]
	return rec, ok
}

// All returns every record, sorted by unit for deterministic reporting.
func (l *Log) All() []bidsmodel.RunRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]bidsmodel.RunRecord, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Unit.Less(out[j].Unit) })
	return out
}

// CountByClass tallies records by classification, for the end-of-run
// summary.
func (l *Log) CountByClass() map[bidsmodel.Classification]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	counts := make(map[bidsmodel.Classification]int)
	for _, rec := range l.records {
		counts[rec.Class]++
	}
	return counts
}

func (l *Log) saveLocked() error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("runrecord: cannot create log directory: %w", err)
	}

	tmp := l.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("runrecord: cannot create temp log: %w", err)
	}
	success := false
	defer func() {
		if !success {
			f.Close()
			os.Remove(tmp)
		}
	}()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("runrecord: cannot write header: %w", err)
	}

	ids := make([]string, 0, len(l.records))
	for id := range l.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rec := l.records[id]
		if err := w.Write(rowFor(rec)); err != nil {
			return fmt.Errorf("runrecord: cannot write record: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("runrecord: cannot flush log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("runrecord: cannot close temp log: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("runrecord: cannot rename log into place: %w", err)
	}
	success = true
	return nil
}

func rowFor(rec bidsmodel.RunRecord) []string {
	return []string{
		rec.Unit.ID(),
		rec.Unit.Subject,
		rec.Unit.Session,
		rec.Start.Format(time.RFC3339),
		rec.Stop.Format(time.RFC3339),
		fmt.Sprintf("%d", rec.ExitCode),
		rec.LogPath,
		string(rec.Class),
		rec.JobID,
		rec.ScratchDir,
		rec.Detail,
	}
}

func parseRow(row []string) (bidsmodel.RunRecord, string, error) {
	start, _ := time.Parse(time.RFC3339, row[3])
	stop, _ := time.Parse(time.RFC3339, row[4])
	var exitCode int
	fmt.Sscanf(row[5], "%d", &exitCode)

	rec := bidsmodel.RunRecord{
		Unit:       bidsmodel.Unit{Subject: row[1], Session: row[2]},
		Start:      start,
		Stop:       stop,
		ExitCode:   exitCode,
		LogPath:    row[6],
		Class:      bidsmodel.Classification(row[7]),
		JobID:      row[8],
		ScratchDir: row[9],
		Detail:     row[10],
	}
	return rec, row[0], nil
}
