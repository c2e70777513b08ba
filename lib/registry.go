package mathom

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const recordExt = ".json"

// A FileRecord describes one stored file. Records are immutable once
// published except for the download counter and administrative expiry.
type FileRecord struct {
	Token       Token     `json:"token"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	ContentType string    `json:"contentType"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Downloads   int64     `json:"downloads"`
}

// Expired reports whether the record is past its expiry at now.
func (r *FileRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// FileRecords represents a group of records.
type FileRecords []*FileRecord

// A Registry is the durable token to FileRecord mapping. Every published
// record is mirrored as one JSON sidecar in its directory, written with a
// rename so a reader never observes a partial record. The in-memory map is
// the only read path, sidecars exist to survive restarts.
type Registry struct {
	dir    string
	logger *log.Logger

	mu      sync.RWMutex
	records map[Token]*FileRecord
	claimed map[Token]struct{}
	dirty   map[Token]struct{}
}

// OpenRegistry loads all records found in dir. Sidecars that cannot be
// decoded are skipped and logged, a damaged entry must not take down the
// rest of the store.
func OpenRegistry(dir string, logger *log.Logger) (*Registry, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	reg := &Registry{
		dir:     dir,
		logger:  ensureLogger(logger),
		records: map[Token]*FileRecord{},
		claimed: map[Token]struct{}{},
		dirty:   map[Token]struct{}{},
	}

	if err := reg.load(); err != nil {
		return nil, err
	}

	return reg, nil
}

// Dir returns the sidecar directory.
func (reg *Registry) Dir() string {
	return reg.dir
}

// Claim mints a token no live record or pending commit holds. The caller
// owns the name until it publishes a record or unclaims it; Lookup does not
// resolve claimed tokens.
func (reg *Registry) Claim() (Token, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	for i := 0; i < 5; i++ {
		tok, err := NewToken()
		if err != nil {
			return "", err
		}
		if _, ok := reg.records[tok]; ok {
			continue
		}
		if _, ok := reg.claimed[tok]; ok {
			continue
		}
		reg.claimed[tok] = struct{}{}
		return tok, nil
	}

	return "", fmt.Errorf("mint token: repeated collisions")
}

// Unclaim abandons a claimed token after a failed commit.
func (reg *Registry) Unclaim(tok Token) {
	reg.mu.Lock()
	delete(reg.claimed, tok)
	reg.mu.Unlock()
}

// Publish writes the record's sidecar durably, then makes it visible in a
// single step. A Lookup either misses the record or observes it complete.
func (reg *Registry) Publish(rec *FileRecord) error {
	if err := reg.writeRecord(rec); err != nil {
		return err
	}

	cp := *rec

	reg.mu.Lock()
	reg.records[rec.Token] = &cp
	delete(reg.claimed, rec.Token)
	reg.mu.Unlock()

	return nil
}

// Lookup returns a copy of the record published under tok.
func (reg *Registry) Lookup(tok Token) (*FileRecord, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	rec, ok := reg.records[tok]
	if !ok {
		return nil, ErrFileNotFound
	}

	cp := *rec
	return &cp, nil
}

// Has reports whether tok is published or claimed. The collector consults
// it before adopting a payload.
func (reg *Registry) Has(tok Token) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	if _, ok := reg.records[tok]; ok {
		return true
	}
	_, ok := reg.claimed[tok]
	return ok
}

// Remove deletes the sidecar and drops the record. The payload itself is
// the caller's to reclaim.
func (reg *Registry) Remove(tok Token) (*FileRecord, error) {
	reg.mu.RLock()
	_, ok := reg.records[tok]
	reg.mu.RUnlock()
	if !ok {
		return nil, ErrFileNotFound
	}

	if err := os.Remove(reg.recordPath(tok)); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	rec, ok := reg.records[tok]
	if !ok {
		return nil, ErrFileNotFound
	}
	cp := *rec
	delete(reg.records, tok)
	delete(reg.dirty, tok)

	return &cp, nil
}

// Expire reschedules tok to expire at now and persists the change, so an
// administrative deletion survives a restart. The payload stays in place
// until the collector reclaims it.
func (reg *Registry) Expire(tok Token, now time.Time) (*FileRecord, error) {
	reg.mu.RLock()
	rec, ok := reg.records[tok]
	if !ok {
		reg.mu.RUnlock()
		return nil, ErrFileNotFound
	}
	cp := *rec
	reg.mu.RUnlock()

	cp.ExpiresAt = now
	if err := reg.writeRecord(&cp); err != nil {
		return nil, err
	}

	reg.mu.Lock()
	if rec, ok := reg.records[tok]; ok {
		rec.ExpiresAt = now
	}
	reg.mu.Unlock()

	return &cp, nil
}

// Expired returns the tokens of all records past expiry at now.
func (reg *Registry) Expired(now time.Time) []Token {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var toks []Token
	for tok, rec := range reg.records {
		if rec.Expired(now) {
			toks = append(toks, tok)
		}
	}
	return toks
}

// CountDownload bumps the download counter for tok in memory. Counters
// reach the sidecars with the next flush, losing a few on a crash is
// acceptable.
func (reg *Registry) CountDownload(tok Token) {
	reg.mu.Lock()
	if rec, ok := reg.records[tok]; ok {
		rec.Downloads++
		reg.dirty[tok] = struct{}{}
	}
	reg.mu.Unlock()
}

// FlushCounters persists the download counters changed since the last
// flush.
func (reg *Registry) FlushCounters() error {
	reg.mu.Lock()
	recs := make(FileRecords, 0, len(reg.dirty))
	for tok := range reg.dirty {
		if rec, ok := reg.records[tok]; ok {
			cp := *rec
			recs = append(recs, &cp)
		}
		delete(reg.dirty, tok)
	}
	reg.mu.Unlock()

	var firstErr error
	for _, rec := range recs {
		if err := reg.writeRecord(rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Records returns a snapshot of all published records.
func (reg *Registry) Records() FileRecords {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	recs := make(FileRecords, 0, len(reg.records))
	for _, rec := range reg.records {
		cp := *rec
		recs = append(recs, &cp)
	}
	return recs
}

// Len returns the number of published records.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.records)
}

func (reg *Registry) load() error {
	entries, err := os.ReadDir(reg.dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != recordExt {
			continue
		}

		path := filepath.Join(reg.dir, e.Name())

		rec, err := readRecord(path)
		if err != nil {
			reg.logger.Printf("registry: skipping %s: %v", e.Name(), err)
			continue
		}

		base := strings.TrimSuffix(e.Name(), recordExt)
		if string(rec.Token) != base {
			reg.logger.Printf("registry: skipping %s: token %q does not match file name", e.Name(), rec.Token)
			continue
		}

		reg.records[rec.Token] = rec
	}

	return nil
}

// writeRecord persists rec as a sidecar via a temporary file and rename.
func (reg *Registry) writeRecord(rec *FileRecord) error {
	tmp, err := os.CreateTemp(reg.dir, spoolPrefix)
	if err != nil {
		return err
	}

	err = json.NewEncoder(tmp).Encode(rec)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return err
	}

	return os.Rename(tmp.Name(), reg.recordPath(rec.Token))
}

func (reg *Registry) recordPath(tok Token) string {
	return filepath.Join(reg.dir, string(tok)+recordExt)
}

func readRecord(path string) (*FileRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rec := &FileRecord{}
	if err := json.NewDecoder(f).Decode(rec); err != nil {
		return nil, err
	}

	if _, err := ParseToken(string(rec.Token)); err != nil {
		return nil, err
	}

	return rec, nil
}

func ensureLogger(logger *log.Logger) *log.Logger {
	if logger == nil {
		return log.New(io.Discard, "", 0)
	}
	return logger
}
