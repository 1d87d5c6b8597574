package license

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"keygate/internal/blobstore"
)

// deviceFields is the fixed reconciliation order for fingerprint fields.
// The first three are strictly checked; ram, disk and ip are recorded for
// support purposes but never rejected on.
var deviceFields = []string{"hwid", "cpu_id", "ram", "mac", "disk", "ip"}

// strictFields are the device fields that cause a rejection when a bound
// value differs from the supplied one.
var strictFields = map[string]bool{
	"hwid":   true,
	"cpu_id": true,
	"mac":    true,
}

// farFuture is the expiry used when a license carries no expires field.
// Absence means the license never expires; this is policy, not a fallback.
var farFuture = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// expiryLayouts are the accepted timestamp formats for the expires field
var expiryLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Store is the backend surface the engine needs
type Store interface {
	Download(ctx context.Context, path string) ([]byte, error)
	Upload(ctx context.Context, path string, data []byte) error
	List(ctx context.Context, folder string, recursive bool) ([]blobstore.Entry, error)
	TemporaryLink(ctx context.Context, path string) (string, error)
}

// Request carries the credentials and fingerprint fields a client presents
type Request struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password"`
	HWID     string `json:"hwid"`
	CPUID    string `json:"cpu_id"`
	RAM      string `json:"ram"`
	MAC      string `json:"mac"`
	Disk     string `json:"disk"`
	IP       string `json:"ip"`
}

// deviceValues maps each device field to its supplied value, preserving
// the fixed reconciliation order via deviceFields.
func (r *Request) deviceValues() map[string]string {
	return map[string]string{
		"hwid":   r.HWID,
		"cpu_id": r.CPUID,
		"ram":    r.RAM,
		"mac":    r.MAC,
		"disk":   r.Disk,
		"ip":     r.IP,
	}
}

// FileRef describes one downloadable loader artifact
type FileRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Result is a successful validation outcome
type Result struct {
	Fields map[string]string
	Files  []FileRef
}

// Engine is the license validation state machine: authenticate, check
// expiry, reconcile device fingerprints, decide allow or deny. Device
// binding is bind-on-first-use, then pin.
type Engine struct {
	store      Store
	logger     *slog.Logger
	now        func() time.Time
	licenseDir string
	loaderDir  string
	bindings   metric.Int64Counter

	// userLocks serializes license mutation per username so two logins
	// from different devices cannot race on first-use binding.
	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
}

// NewEngine creates a validation engine over the given record store.
// bindings counts device fields bound on first use; nil disables it.
func NewEngine(store Store, licenseDir, loaderDir string, bindings metric.Int64Counter, logger *slog.Logger) *Engine {
	return &Engine{
		store:      store,
		logger:     logger.With(slog.String("component", "validation_engine")),
		now:        time.Now,
		licenseDir: licenseDir,
		loaderDir:  loaderDir,
		bindings:   bindings,
		userLocks:  make(map[string]*sync.Mutex),
	}
}

// LicensePath returns the blob path of a user's license record
func (e *Engine) LicensePath(username string) string {
	return path.Join(e.licenseDir, username+".txt")
}

// Exists reports whether a license record exists for username
func (e *Engine) Exists(ctx context.Context, username string) bool {
	_, err := e.store.Download(ctx, e.LicensePath(username))
	return err == nil
}

// Validate runs the full decision sequence for one login attempt.
// It returns ErrUserNotFound, ErrIncorrectPassword, ErrLicenseExpired or
// *DeviceMismatchError for deny outcomes, and a *Result on success.
func (e *Engine) Validate(ctx context.Context, req *Request) (*Result, error) {
	unlock := e.lockUser(req.Username)
	defer unlock()

	recordPath := e.LicensePath(req.Username)

	data, err := e.store.Download(ctx, recordPath)
	if err != nil {
		// Any fetch failure collapses to "not found": that is the
		// externally observable contract for license lookups.
		e.logger.InfoContext(ctx, "license fetch failed",
			slog.String("username", req.Username),
			slog.String("error", err.Error()))
		return nil, ErrUserNotFound
	}

	record := DecodeRecord(string(data))
	if record.Len() == 0 {
		e.logger.WarnContext(ctx, "license record empty after decode",
			slog.String("username", req.Username))
		return nil, ErrUserNotFound
	}

	if pass := record.Get("pass"); pass != "" && pass != req.Password {
		return nil, ErrIncorrectPassword
	}

	expires, ok := parseExpiry(record.Get("expires"))
	if !ok {
		e.logger.WarnContext(ctx, "license has unparseable expiry, rejecting",
			slog.String("username", req.Username),
			slog.String("expires", record.Get("expires")))
		return nil, ErrLicenseExpired
	}
	if e.now().After(expires) {
		return nil, ErrLicenseExpired
	}

	isGlobal := strings.EqualFold(record.Get("global"), "true")

	if !isGlobal {
		if err := e.reconcileDevice(ctx, req, record, recordPath); err != nil {
			return nil, err
		}
	}

	return &Result{
		Fields: record.Fields(),
		Files:  e.loaderFiles(ctx),
	}, nil
}

// reconcileDevice binds previously-empty device fields to the supplied
// values, persists the record if anything was bound, then checks the
// strict fields for mismatches. The mismatch check runs after write-back
// so a field bound during this call can never reject this same call.
func (e *Engine) reconcileDevice(ctx context.Context, req *Request, record *Record, recordPath string) error {
	supplied := req.deviceValues()

	bound := 0
	for _, field := range deviceFields {
		if supplied[field] != "" && record.Get(field) == "" {
			record.Set(field, supplied[field])
			bound++
		}
	}

	if bound > 0 {
		if err := e.store.Upload(ctx, recordPath, []byte(record.Encode())); err != nil {
			// Non-fatal: the user still gets in, and the binding is
			// retried on the next login.
			e.logger.WarnContext(ctx, "device binding write-back failed",
				slog.String("username", req.Username),
				slog.String("error", err.Error()))
		} else {
			e.logger.InfoContext(ctx, "device fields bound",
				slog.String("username", req.Username),
				slog.Int("fields", bound))
			if e.bindings != nil {
				e.bindings.Add(ctx, int64(bound))
			}
		}
	}

	for _, field := range deviceFields {
		if !strictFields[field] {
			continue
		}
		stored := record.Get(field)
		if supplied[field] != "" && stored != "" && supplied[field] != stored {
			e.logger.InfoContext(ctx, "device mismatch",
				slog.String("username", req.Username),
				slog.String("field", field))
			return &DeviceMismatchError{Field: field}
		}
	}

	return nil
}

// loaderFiles lists the loader-artifacts folder and mints a temporary
// link per entry. Failures degrade to an empty list; a link failure drops
// that entry only.
func (e *Engine) loaderFiles(ctx context.Context) []FileRef {
	entries, err := e.store.List(ctx, e.loaderDir, false)
	if err != nil {
		e.logger.WarnContext(ctx, "loader listing failed",
			slog.String("folder", e.loaderDir),
			slog.String("error", err.Error()))
		return []FileRef{}
	}

	files := make([]FileRef, 0, len(entries))
	for _, entry := range entries {
		link, err := e.store.TemporaryLink(ctx, entry.Path)
		if err != nil {
			e.logger.WarnContext(ctx, "temporary link failed, dropping entry",
				slog.String("path", entry.Path),
				slog.String("error", err.Error()))
			continue
		}
		files = append(files, FileRef{Name: entry.Name, URL: link})
	}
	return files
}

// lockUser acquires the per-username mutex and returns its unlock func
func (e *Engine) lockUser(username string) func() {
	e.mu.Lock()
	lock, ok := e.userLocks[username]
	if !ok {
		lock = &sync.Mutex{}
		e.userLocks[username] = lock
	}
	e.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// parseExpiry parses the expires field. An absent value means the license
// never expires. A present but unparseable value reports !ok and the
// caller rejects.
func parseExpiry(value string) (time.Time, bool) {
	if value == "" {
		return farFuture, true
	}
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
