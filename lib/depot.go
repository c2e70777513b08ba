package mathom

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
)

const (
	spoolPrefix = "pending-"
	sniffLen    = 512
)

// A Depot stores file payloads on a local file system. Incoming bytes are
// spooled under a throwaway name and renamed to their token on commit, so
// the blob directory only ever contains complete payloads. The spool
// directory must live on the same file system as the data directory for
// that rename to be atomic.
type Depot struct {
	blobDir  string
	spoolDir string
	registry *Registry
	quota    *Quota

	mu       sync.Mutex
	inflight map[string]*Upload
}

// NewDepot prepares the blob and spool directories under dataDir and
// spoolDir.
func NewDepot(dataDir, spoolDir string, registry *Registry, quota *Quota) (*Depot, error) {
	blobDir := filepath.Join(dataDir, "blobs")

	if err := os.MkdirAll(blobDir, 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(spoolDir, 0755); err != nil {
		return nil, err
	}

	return &Depot{
		blobDir:  blobDir,
		spoolDir: spoolDir,
		registry: registry,
		quota:    quota,
		inflight: map[string]*Upload{},
	}, nil
}

// RestoreStats summarizes what Restore found on disk.
type RestoreStats struct {
	Files   int64
	Bytes   int64
	Dropped int64
}

// Restore walks the registry after a restart, charges every record with a
// payload against the quota and drops records whose payload is missing.
func (d *Depot) Restore() (RestoreStats, error) {
	var stats RestoreStats

	for _, rec := range d.registry.Records() {
		_, err := os.Stat(d.BlobPath(rec.Token))
		if os.IsNotExist(err) {
			if _, err := d.registry.Remove(rec.Token); err != nil {
				return stats, err
			}
			stats.Dropped++
			continue
		}
		if err != nil {
			return stats, err
		}

		d.quota.AddCommitted(rec.Size)
		stats.Files++
		stats.Bytes += rec.Size
	}

	return stats, nil
}

// UploadOptions carry the caller supplied metadata for a new upload.
type UploadOptions struct {
	// Name is the file name stored with the record. Pass it through
	// SanitizeName first when it comes from the outside.
	Name string
	// ContentType overrides detection when set.
	ContentType string
	// Checksum is the expected hex encoded SHA-256 of the payload.
	// Commit fails when the received bytes hash to something else.
	Checksum string
	// TTL is added to the commit time to produce the expiry.
	TTL time.Duration
}

// An Upload accumulates one incoming payload in a spool file. It is not
// safe for concurrent use. Every upload must end in exactly one Commit or
// Abort; both settle the quota reservation.
type Upload struct {
	id       string
	depot    *Depot
	spool    *os.File
	res      *Reservation
	opts     UploadOptions
	declared int64
	received int64
	hash     hash.Hash
	sniff    []byte
	done     bool
}

// BeginUpload reserves quota and opens a spool file. A declared size below
// zero means the caller does not know the final size, in which case the
// maximum file size is reserved until commit settles the difference.
func (d *Depot) BeginUpload(declared int64, opts UploadOptions) (*Upload, error) {
	reserve := declared
	if declared < 0 {
		reserve = d.quota.MaxFileSize()
	}

	res, err := d.quota.Reserve(reserve)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	spool, err := os.OpenFile(filepath.Join(d.spoolDir, spoolPrefix+id), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		res.Release()
		return nil, fmt.Errorf("open spool: %w", err)
	}

	up := &Upload{
		id:       id,
		depot:    d,
		spool:    spool,
		res:      res,
		opts:     opts,
		declared: declared,
		hash:     sha256.New(),
	}

	d.mu.Lock()
	d.inflight[filepath.Base(spool.Name())] = up
	d.mu.Unlock()

	return up, nil
}

// ID returns the spool identifier of the upload.
func (u *Upload) ID() string {
	return u.id
}

// Write appends p to the spool. A chunk that would push the upload past the
// declared size, or past the maximum file size for undeclared uploads, is
// rejected whole with ErrOverrun.
func (u *Upload) Write(p []byte) (int, error) {
	if u.done {
		return 0, fmt.Errorf("upload %s already settled", u.id)
	}

	limit := u.declared
	if limit < 0 {
		limit = u.res.Size()
	}
	if u.received+int64(len(p)) > limit {
		return 0, newError(ErrOverrun, fmt.Sprintf("more than %d bytes received", limit))
	}

	n, err := u.spool.Write(p)
	if n > 0 {
		u.received += int64(n)
		if len(u.sniff) < sniffLen {
			take := sniffLen - len(u.sniff)
			if take > n {
				take = n
			}
			u.sniff = append(u.sniff, p[:take]...)
		}
		u.hash.Write(p[:n])
	}
	if err != nil {
		return n, fmt.Errorf("write spool: %w", err)
	}

	return n, nil
}

// Commit verifies the received payload, moves it into the blob directory
// under a fresh token and publishes its record. On any failure the upload
// is aborted and the reservation released.
func (u *Upload) Commit(now time.Time) (*FileRecord, error) {
	if u.done {
		return nil, fmt.Errorf("upload %s already settled", u.id)
	}

	rec, err := u.commit(now)
	if err != nil {
		u.Abort()
		return nil, err
	}

	return rec, nil
}

func (u *Upload) commit(now time.Time) (*FileRecord, error) {
	if u.declared >= 0 && u.received != u.declared {
		return nil, newError(ErrShortUpload, fmt.Sprintf("received %d of %d bytes", u.received, u.declared))
	}

	sum := hex.EncodeToString(u.hash.Sum(nil))
	if u.opts.Checksum != "" && !strings.EqualFold(sum, u.opts.Checksum) {
		return nil, newError(ErrChecksumMismatch, fmt.Sprintf("payload hashes to %s", sum))
	}

	if err := u.spool.Sync(); err != nil {
		return nil, fmt.Errorf("sync spool: %w", err)
	}
	if err := u.spool.Close(); err != nil {
		return nil, fmt.Errorf("close spool: %w", err)
	}

	tok, err := u.depot.registry.Claim()
	if err != nil {
		return nil, err
	}

	if err := os.Rename(u.spool.Name(), u.depot.BlobPath(tok)); err != nil {
		u.depot.registry.Unclaim(tok)
		return nil, fmt.Errorf("promote spool: %w", err)
	}

	name := u.opts.Name
	if name == "" {
		name = fmt.Sprintf("upload_%.8s", u.id)
	}

	rec := &FileRecord{
		Token:       tok,
		Name:        name,
		Size:        u.received,
		SHA256:      sum,
		ContentType: u.contentType(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(u.opts.TTL),
	}

	if err := u.depot.registry.Publish(rec); err != nil {
		// The payload stays behind for the collector to adopt.
		u.depot.registry.Unclaim(tok)
		return nil, fmt.Errorf("publish record: %w", err)
	}

	u.res.Promote(u.received)
	u.settle()

	return rec, nil
}

// Abort discards the spool and releases the reservation. Aborting a
// settled upload is a no-op.
func (u *Upload) Abort() {
	if u.done {
		return
	}

	u.spool.Close()
	os.Remove(u.spool.Name())
	u.res.Release()
	u.settle()
}

func (u *Upload) settle() {
	u.done = true
	u.depot.mu.Lock()
	delete(u.depot.inflight, filepath.Base(u.spool.Name()))
	u.depot.mu.Unlock()
}

func (u *Upload) contentType() string {
	if u.opts.ContentType != "" {
		return u.opts.ContentType
	}
	if ct := mime.TypeByExtension(filepath.Ext(u.opts.Name)); ct != "" {
		return ct
	}
	if len(u.sniff) > 0 {
		return http.DetectContentType(u.sniff)
	}
	return "application/octet-stream"
}

// A Blob is an open payload together with its record.
type Blob struct {
	Record *FileRecord

	file *os.File
}

// Open returns the payload published under tok. Expired records yield
// ErrGone. Readers that are already open keep their payload alive even if
// the file is unlinked underneath them.
func (d *Depot) Open(tok Token, now time.Time) (*Blob, error) {
	rec, err := d.registry.Lookup(tok)
	if err != nil {
		return nil, err
	}
	if rec.Expired(now) {
		return nil, ErrGone
	}

	f, err := os.Open(d.BlobPath(tok))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}

	return &Blob{Record: rec, file: f}, nil
}

func (b *Blob) Read(p []byte) (int, error) {
	return b.file.Read(p)
}

func (b *Blob) Seek(offset int64, whence int) (int64, error) {
	return b.file.Seek(offset, whence)
}

func (b *Blob) Close() error {
	return b.file.Close()
}

// Range returns a reader over length bytes starting at offset. A negative
// length, or one reaching past the payload, is clamped to the end. Offsets
// at or past the end yield ErrRangeNotSatisfiable.
func (b *Blob) Range(offset, length int64) (io.Reader, error) {
	size := b.Record.Size
	if offset < 0 || offset >= size {
		return nil, newError(ErrRangeNotSatisfiable, fmt.Sprintf("offset %d outside %d bytes", offset, size))
	}
	if length < 0 || offset+length > size {
		length = size - offset
	}
	return io.NewSectionReader(b.file, offset, length), nil
}

// ActiveSpools returns the spool file names of uploads still in flight.
func (d *Depot) ActiveSpools() map[string]struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	active := make(map[string]struct{}, len(d.inflight))
	for name := range d.inflight {
		active[name] = struct{}{}
	}
	return active
}

// RemoveBlob unlinks the payload stored under tok. A missing payload is
// not an error.
func (d *Depot) RemoveBlob(tok Token) error {
	if err := os.Remove(d.BlobPath(tok)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// BlobPath returns the path the payload for tok lives at.
func (d *Depot) BlobPath(tok Token) string {
	return filepath.Join(d.blobDir, string(tok))
}

// BlobDir returns the directory committed payloads live in.
func (d *Depot) BlobDir() string {
	return d.blobDir
}

// SpoolDir returns the directory in-flight uploads are spooled to.
func (d *Depot) SpoolDir() string {
	return d.spoolDir
}

// SanitizeName reduces an outside file name to a safe base name. Path
// separators and control characters never survive. An empty string means
// the name was unusable.
func SanitizeName(name string) string {
	name = filepath.Base(name)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return ""
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_' || r == ' ':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
