package mathom

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SweepStats summarizes one collection pass.
type SweepStats struct {
	Expired         int64
	Repaired        int64
	SpoolsReclaimed int64
	BytesReclaimed  int64
	Failures        int64
}

// SweeperConfig carries the collection knobs. Grace is how long an orphaned
// spool or payload must sit untouched before the collector acts on it, so a
// commit racing the sweep is never torn apart. DefaultTTL is the lifetime
// granted to adopted payloads.
type SweeperConfig struct {
	Interval   time.Duration
	Grace      time.Duration
	DefaultTTL time.Duration
}

// A Sweeper reclaims expired files, abandoned spools and repairs payloads
// that lost their record. Payloads are never thrown away just for being
// unknown: they are adopted under a fresh record and age out through the
// regular expiry path.
type Sweeper struct {
	depot  *Depot
	cfg    SweeperConfig
	logger *log.Logger

	// OnSweep, when set, receives the stats of every completed pass.
	OnSweep func(SweepStats)
}

// NewSweeper returns a Sweeper over the depot.
func NewSweeper(depot *Depot, cfg SweeperConfig, logger *log.Logger) *Sweeper {
	return &Sweeper{
		depot:  depot,
		cfg:    cfg,
		logger: ensureLogger(logger),
	}
}

// Run sweeps once at start and then every Interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.sweepAndReport(time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweepAndReport(now)
		}
	}
}

func (s *Sweeper) sweepAndReport(now time.Time) {
	stats := s.Sweep(now)

	if stats != (SweepStats{}) {
		s.logger.Printf("sweep: %d expired, %d repaired, %d spools, %d bytes reclaimed, %d failures",
			stats.Expired, stats.Repaired, stats.SpoolsReclaimed, stats.BytesReclaimed, stats.Failures)
	}
	if s.OnSweep != nil {
		s.OnSweep(stats)
	}
}

// Sweep performs one pass: expired records first, then abandoned spools,
// then payloads without a record, and finally the download counters are
// flushed to disk.
func (s *Sweeper) Sweep(now time.Time) SweepStats {
	var stats SweepStats

	s.sweepExpired(now, &stats)
	s.sweepSpools(now, &stats)
	s.adoptBlobs(now, &stats)

	if err := s.depot.registry.FlushCounters(); err != nil {
		s.logger.Printf("sweep: flush counters: %v", err)
		stats.Failures++
	}

	return stats
}

func (s *Sweeper) sweepExpired(now time.Time, stats *SweepStats) {
	for _, tok := range s.depot.registry.Expired(now) {
		rec, err := s.depot.registry.Remove(tok)
		if err != nil {
			s.logger.Printf("sweep: remove record %s: %v", tok, err)
			stats.Failures++
			continue
		}
		s.depot.quota.ReleaseCommitted(rec.Size)

		if err := s.depot.RemoveBlob(tok); err != nil {
			// The payload sticks around and a later pass adopts it,
			// which also restores its accounting.
			s.logger.Printf("sweep: remove payload %s: %v", tok, err)
			stats.Failures++
			continue
		}

		stats.Expired++
		stats.BytesReclaimed += rec.Size
	}
}

func (s *Sweeper) sweepSpools(now time.Time, stats *SweepStats) {
	active := s.depot.ActiveSpools()

	reap := func(dir string, skipActive bool) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			s.logger.Printf("sweep: read %s: %v", dir, err)
			stats.Failures++
			return
		}

		for _, e := range entries {
			if e.IsDir() || !strings.HasPrefix(e.Name(), spoolPrefix) {
				continue
			}
			if skipActive {
				if _, ok := active[e.Name()]; ok {
					continue
				}
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if now.Sub(info.ModTime()) < s.cfg.Grace {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				s.logger.Printf("sweep: remove %s: %v", e.Name(), err)
				stats.Failures++
				continue
			}
			stats.SpoolsReclaimed++
			stats.BytesReclaimed += info.Size()
		}
	}

	reap(s.depot.SpoolDir(), true)
	reap(s.depot.registry.Dir(), false)
}

func (s *Sweeper) adoptBlobs(now time.Time, stats *SweepStats) {
	entries, err := os.ReadDir(s.depot.BlobDir())
	if err != nil {
		s.logger.Printf("sweep: read %s: %v", s.depot.BlobDir(), err)
		stats.Failures++
		return
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		tok, err := ParseToken(e.Name())
		if err != nil {
			continue
		}
		if s.depot.registry.Has(tok) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < s.cfg.Grace {
			continue
		}
		if err := s.adopt(tok, info); err != nil {
			s.logger.Printf("sweep: adopt %s: %v", tok, err)
			stats.Failures++
			continue
		}
		stats.Repaired++
	}
}

// adopt registers a stray payload under its on-disk token. Payloads older
// than DefaultTTL come out already expired and the next pass reclaims them
// through the ordinary route.
func (s *Sweeper) adopt(tok Token, info os.FileInfo) error {
	f, err := os.Open(s.depot.BlobPath(tok))
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()

	sniff := make([]byte, sniffLen)
	n, err := io.ReadFull(f, sniff)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return err
	}
	sniff = sniff[:n]

	h.Write(sniff)
	if _, err := io.Copy(h, f); err != nil {
		return err
	}

	ct := "application/octet-stream"
	if n > 0 {
		ct = http.DetectContentType(sniff)
	}

	rec := &FileRecord{
		Token:       tok,
		Name:        string(tok),
		Size:        info.Size(),
		SHA256:      hex.EncodeToString(h.Sum(nil)),
		ContentType: ct,
		CreatedAt:   info.ModTime(),
		ExpiresAt:   info.ModTime().Add(s.cfg.DefaultTTL),
	}

	if err := s.depot.registry.Publish(rec); err != nil {
		return err
	}
	s.depot.quota.AddCommitted(rec.Size)

	return nil
}
