package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	logpkg "log"
	"mime"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/pat"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/streadway/handy/report"
	"golang.org/x/sync/errgroup"

	"github.com/mathomhouse/mathom/lib"
)

// Buildtime variables
var (
	Program = "mathom"
	Commit  = "0000000"
	Version = "0.0.0"
)

// Telemetry
var (
	labelNames = []string{"method", "operation", "status"}

	requestDurations = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: Program,
			Name:      "requests_duration_nanoseconds",
			Help:      "Amounts of time mathom has spent answering requests in nanoseconds.",
		},
		labelNames,
	)
	// Note that the summary 'requestDurations' above will result in metrics
	// 'mathom_requests_duration_nanoseconds_count' and
	// 'mathom_requests_duration_nanoseconds_sum', counting the total number
	// of requests made and summing up the total amount of time mathom has
	// spent to answer requests, respectively.
	requestBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Program,
			Name:      "request_bytes_total",
			Help:      "Total volume of request payloads received in bytes.",
		},
		labelNames,
	)
	responseBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Program,
			Name:      "response_bytes_total",
			Help:      "Total volume of response payloads emitted in bytes.",
		},
		labelNames,
	)
	uploadsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Program,
			Name:      "uploads_rejected_total",
			Help:      "Total number of uploads turned away, partitioned by reason.",
		},
		[]string{"reason"},
	)
	sweepActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Program,
			Name:      "sweep_actions_total",
			Help:      "Total number of collector actions, partitioned by action.",
		},
		[]string{"action"},
	)

	log = logpkg.New(os.Stdout, "", logpkg.LstdFlags|logpkg.Lmicroseconds)
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		httpAddress = flag.String("http.addr", "", "HTTP listen address (overrides config)")
		dataDir     = flag.String("data.dir", "", "Data directory (overrides config)")
		spoolDir    = flag.String("spool.dir", "", "Spool directory (overrides config)")
	)
	flag.Parse()

	prometheus.MustRegister(requestDurations)
	prometheus.MustRegister(requestBytes)
	prometheus.MustRegister(responseBytes)
	prometheus.MustRegister(uploadsRejected)
	prometheus.MustRegister(sweepActions)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *httpAddress != "" {
		cfg.HTTP.Addr = *httpAddress
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	if *spoolDir != "" {
		cfg.Storage.SpoolDir = *spoolDir
	}

	spool := cfg.Storage.SpoolDir
	if spool == "" {
		spool = filepath.Join(cfg.Storage.DataDir, "spool")
	}

	registry, err := mathom.OpenRegistry(filepath.Join(cfg.Storage.DataDir, "meta"), log)
	if err != nil {
		log.Fatal(err)
	}

	quota := mathom.NewQuota(int64(cfg.Storage.Capacity), int64(cfg.Storage.MaxFileSize))

	depot, err := mathom.NewDepot(cfg.Storage.DataDir, spool, registry, quota)
	if err != nil {
		log.Fatal(err)
	}

	stats, err := depot.Restore()
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("restored %d files (%d bytes), dropped %d records without payload",
		stats.Files, stats.Bytes, stats.Dropped)

	sweeper := mathom.NewSweeper(depot, mathom.SweeperConfig{
		Interval:   time.Duration(cfg.GC.Interval),
		Grace:      time.Duration(cfg.GC.Grace),
		DefaultTTL: time.Duration(cfg.Expiry.Default),
	}, log)
	sweeper.OnSweep = func(s mathom.SweepStats) {
		sweepActions.With(prometheus.Labels{"action": "expired"}).Add(float64(s.Expired))
		sweepActions.With(prometheus.Labels{"action": "repaired"}).Add(float64(s.Repaired))
		sweepActions.With(prometheus.Labels{"action": "spools"}).Add(float64(s.SpoolsReclaimed))
		sweepActions.With(prometheus.Labels{"action": "failures"}).Add(float64(s.Failures))
	}

	r := pat.New()

	// GET /metrics
	r.Handle("/metrics", promhttp.Handler())

	// GET /healthz
	r.Add(
		"GET",
		"/healthz",
		report.JSON(
			os.Stdout,
			metrics(
				"handleHealth",
				addCORSHeaders(
					handleHealth(registry, quota),
				),
			),
		),
	)

	// DELETE /files/$token
	r.Add(
		"DELETE",
		mathom.RouteFile,
		report.JSON(
			os.Stdout,
			metrics(
				"handleDelete",
				handleDelete(registry),
			),
		),
	)
	// GET /files/$token
	r.Add(
		"GET",
		mathom.RouteFile,
		report.JSON(
			os.Stdout,
			metrics(
				"handleGet",
				addCORSHeaders(
					handleGet(depot, registry),
				),
			),
		),
	)
	// GET /files/$token, malformed token. Routes match by prefix, without
	// this the request falls through to the file list.
	r.Add(
		"GET",
		mathom.RouteUpload,
		report.JSON(
			os.Stdout,
			metrics(
				"handleBadToken",
				addCORSHeaders(
					handleBadToken(),
				),
			),
		),
	)
	// HEAD /files/$token
	r.Add(
		"HEAD",
		mathom.RouteFile,
		report.JSON(
			os.Stdout,
			metrics(
				"handleStat",
				handleStat(depot),
			),
		),
	)
	// POST /files/$name
	r.Add(
		"POST",
		mathom.RouteUpload,
		report.JSON(
			os.Stdout,
			metrics(
				"handleCreate",
				addCORSHeaders(
					handleCreate(depot, cfg),
				),
			),
		),
	)

	// GET /files
	r.Add(
		"GET",
		mathom.RouteFiles,
		report.JSON(
			os.Stdout,
			metrics(
				"handleFileList",
				addCORSHeaders(
					handleFileList(registry),
				),
			),
		),
	)
	// POST /files
	r.Add(
		"POST",
		mathom.RouteFiles,
		report.JSON(
			os.Stdout,
			metrics(
				"handleCreate",
				addCORSHeaders(
					handleCreate(depot, cfg),
				),
			),
		),
	)

	r.Add(
		"OPTIONS",
		"/{path:.*}",
		report.JSON(
			os.Stdout,
			metrics(
				"handleOptions",
				addCORSHeaders(
					handleOptions(),
				),
			),
		),
	)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: time.Duration(cfg.HTTP.ReadHeaderTimeout),
		IdleTimeout:       time.Duration(cfg.HTTP.IdleTimeout),
		ConnContext:       connContext,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("mathom %s listening on %s", Version, cfg.HTTP.Addr)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sweeper.Run(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
}

func handleCreate(depot *mathom.Depot, cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			name  = mathom.SanitizeName(r.URL.Query().Get(mathom.KeyName))
			start = time.Now()
		)
		defer r.Body.Close()

		ttl := time.Duration(cfg.Expiry.Default)
		if v := r.URL.Query().Get(mathom.ParamTTL); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil || parsed <= 0 {
				respondError(w, r, mathom.ErrInvalidParam)
				return
			}
			if ceiling := time.Duration(cfg.Expiry.Max); parsed > ceiling {
				parsed = ceiling
			}
			ttl = parsed
		}

		up, err := depot.BeginUpload(r.ContentLength, mathom.UploadOptions{
			Name:        name,
			ContentType: r.Header.Get("Content-Type"),
			Checksum:    r.Header.Get(mathom.HeaderChecksum),
			TTL:         ttl,
		})
		if err != nil {
			countRejected(err)
			respondError(w, r, err)
			return
		}
		defer up.Abort()

		var (
			body = io.Reader(r.Body)
			conn net.Conn
		)
		if timeout := time.Duration(cfg.HTTP.UploadIdleTimeout); timeout > 0 {
			if c, ok := r.Context().Value(connKey{}).(net.Conn); ok {
				conn = c
				body = &idleReader{conn: c, body: r.Body, timeout: timeout}
			}
		}

		if _, err := io.Copy(up, body); err != nil {
			countRejected(err)
			respondError(w, r, err)
			return
		}

		// A deadline armed by the last chunk must not outlive the upload, it
		// would cut off the next request on this connection.
		if conn != nil {
			conn.SetReadDeadline(time.Time{})
		}

		rec, err := up.Commit(time.Now())
		if err != nil {
			countRejected(err)
			respondError(w, r, err)
			return
		}

		respondJSON(w, http.StatusCreated, mathom.ResponseCreated{
			Duration: time.Since(start),
			File:     responseFile(rec),
		})
	}
}

func handleDelete(registry *mathom.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			start = time.Now()
		)
		defer r.Body.Close()

		tok, err := mathom.ParseToken(r.URL.Query().Get(mathom.KeyToken))
		if err != nil {
			respondError(w, r, err)
			return
		}

		rec, err := registry.Expire(tok, time.Now())
		if err != nil {
			respondError(w, r, err)
			return
		}

		respondJSON(w, http.StatusOK, mathom.ResponseDeleted{
			Duration: time.Since(start),
			File:     responseFile(rec),
		})
	}
}

func handleStat(depot *mathom.Depot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, err := mathom.ParseToken(r.URL.Query().Get(mathom.KeyToken))
		if err != nil {
			respondHEAD(w, errorStatusCode(err))
			return
		}

		blob, err := depot.Open(tok, time.Now())
		if err != nil {
			respondHEAD(w, errorStatusCode(err))
			return
		}
		blob.Close()

		rec := blob.Record

		writeFileHeaders(w, rec)
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set(mathom.HeaderLastModified, rec.CreatedAt.UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
		w.WriteHeader(http.StatusOK)
	}
}

func handleGet(depot *mathom.Depot, registry *mathom.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, err := mathom.ParseToken(r.URL.Query().Get(mathom.KeyToken))
		if err != nil {
			respondError(w, r, err)
			return
		}

		blob, err := depot.Open(tok, time.Now())
		if err != nil {
			respondError(w, r, err)
			return
		}
		defer blob.Close()

		writeFileHeaders(w, blob.Record)

		http.ServeContent(w, r, blob.Record.Name, blob.Record.CreatedAt, blob)

		registry.CountDownload(tok)
	}
}

func handleFileList(registry *mathom.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			start      = time.Now()
			limit      = mathom.DefaultLimit
			limitValue = r.URL.Query().Get(mathom.ParamLimit)
			prefix     = r.URL.Query().Get(mathom.ParamPrefix)
			sortValue  = r.URL.Query().Get(mathom.ParamSort)
		)

		if limitValue != "" {
			var err error

			limit, err = strconv.ParseUint(limitValue, 10, 64)
			if err != nil {
				respondError(w, r, mathom.ErrInvalidParam)
				return
			}
		}

		sortStrategy, err := mathom.ParseSortParam(sortValue)
		if err != nil {
			respondError(w, r, err)
			return
		}

		var (
			now  = time.Now()
			recs = mathom.FileRecords{}
		)
		for _, rec := range registry.Records() {
			if rec.Expired(now) {
				continue
			}
			if prefix != "" && !strings.HasPrefix(rec.Name, prefix) {
				continue
			}
			recs = append(recs, rec)
		}

		sortStrategy.Sort(recs)

		if uint64(len(recs)) > limit {
			recs = recs[:limit]
		}

		files := make([]mathom.ResponseFile, len(recs))
		for i, rec := range recs {
			files[i] = responseFile(rec)
		}

		respondJSON(w, http.StatusOK, mathom.ResponseFileList{
			Count:    len(files),
			Duration: time.Since(start),
			Files:    files,
		})
	}
}

func handleBadToken() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		respondError(w, r, mathom.ErrInvalidToken)
	}
}

func handleHealth(registry *mathom.Registry, quota *mathom.Quota) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reserved, committed := quota.Usage()

		respondJSON(w, http.StatusOK, mathom.ResponseHealth{
			Status:    "ok",
			Files:     registry.Len(),
			Reserved:  reserved,
			Committed: committed,
			Capacity:  quota.Capacity(),
		})
	}
}

func handleOptions() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func addCORSHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, Origin, Range, X-Checksum-SHA256")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, HEAD")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Expose-Headers", "ETag, X-Checksum-SHA256, X-Expires-At")

		next.ServeHTTP(w, r)
	})
}

func metrics(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			start = time.Now()
			rd    = &readerDelegator{ReadCloser: r.Body}
			rc    = &responseRecorder{ResponseWriter: w}
		)

		r.Body = rd

		next.ServeHTTP(rc, r)

		d := time.Since(start)
		labels := map[string]string{
			"method":    strings.ToLower(r.Method),
			"operation": op,
			"status":    strconv.Itoa(rc.status),
		}

		requestBytes.With(labels).Add(float64(rd.BytesRead))
		requestDurations.With(labels).Observe(float64(d))
		responseBytes.With(labels).Add(float64(rc.size))
	})
}

func countRejected(err error) {
	reason := "error"
	switch {
	case mathom.IsTooLarge(err):
		reason = "too_large"
	case mathom.IsQuotaExceeded(err):
		reason = "quota"
	case errors.Is(err, mathom.ErrOverrun):
		reason = "overrun"
	case errors.Is(err, mathom.ErrShortUpload):
		reason = "short"
	case errors.Is(err, mathom.ErrChecksumMismatch):
		reason = "checksum"
	case errors.Is(err, os.ErrDeadlineExceeded):
		reason = "stalled"
	}
	uploadsRejected.With(prometheus.Labels{"reason": reason}).Inc()
}

func errorStatusCode(err error) int {
	code := http.StatusInternalServerError
	switch {
	case mathom.IsFileNotFound(err),
		errors.Is(err, mathom.ErrInvalidToken),
		errors.Is(err, mathom.ErrEmptyToken):
		code = http.StatusNotFound
	case mathom.IsGone(err):
		code = http.StatusGone
	case mathom.IsTooLarge(err),
		errors.Is(err, mathom.ErrOverrun):
		code = http.StatusRequestEntityTooLarge
	case mathom.IsQuotaExceeded(err):
		code = http.StatusInsufficientStorage
	case errors.Is(err, mathom.ErrShortUpload),
		errors.Is(err, mathom.ErrChecksumMismatch),
		errors.Is(err, mathom.ErrInvalidParam):
		code = http.StatusBadRequest
	case errors.Is(err, mathom.ErrRangeNotSatisfiable):
		code = http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, os.ErrDeadlineExceeded):
		code = http.StatusRequestTimeout
	}
	return code
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := errorStatusCode(err)
	respondJSON(w, code, mathom.ResponseError{
		Code:        code,
		Error:       err.Error(),
		Description: http.StatusText(code),
	})
}

func respondHEAD(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(code)
}

func respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func responseFile(rec *mathom.FileRecord) mathom.ResponseFile {
	return mathom.ResponseFile{
		Token:       rec.Token,
		Name:        rec.Name,
		Size:        rec.Size,
		SHA256:      rec.SHA256,
		ContentType: rec.ContentType,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
		Downloads:   rec.Downloads,
	}
}

func writeFileHeaders(w http.ResponseWriter, rec *mathom.FileRecord) {
	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": rec.Name}))
	w.Header().Set(mathom.HeaderChecksum, rec.SHA256)
	w.Header().Set(mathom.HeaderETag, `"`+rec.SHA256+`"`)
	w.Header().Set(mathom.HeaderExpiresAt, rec.ExpiresAt.Format(time.RFC3339Nano))
}

type readerDelegator struct {
	io.ReadCloser
	BytesRead int
}

func (r *readerDelegator) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.BytesRead += n
	return n, err
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.size += n
	return n, err
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type connKey struct{}

// connContext stores the accepted connection in the request context, the
// upload path arms read deadlines on the raw net.Conn.
func connContext(ctx context.Context, c net.Conn) context.Context {
	return context.WithValue(ctx, connKey{}, c)
}

// idleReader arms a fresh read deadline on the connection ahead of every
// chunk. An upload whose body stalls for longer than timeout fails its next
// read instead of holding its reservation forever.
type idleReader struct {
	conn    net.Conn
	body    io.Reader
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return 0, err
	}
	return r.body.Read(p)
}
