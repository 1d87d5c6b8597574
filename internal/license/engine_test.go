package license

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"keygate/internal/blobstore"
)

type fakeStore struct {
	blobs       map[string][]byte
	downloadErr error
	uploadErr   error
	uploads     map[string][]byte
	listEntries []blobstore.Entry
	listErr     error
	links       map[string]string
	linkErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		blobs:   make(map[string][]byte),
		uploads: make(map[string][]byte),
		links:   make(map[string]string),
	}
}

func (s *fakeStore) Download(ctx context.Context, path string) ([]byte, error) {
	if s.downloadErr != nil {
		return nil, s.downloadErr
	}
	data, ok := s.blobs[path]
	if !ok {
		return nil, &blobstore.NotFoundError{Path: path}
	}
	return data, nil
}

func (s *fakeStore) Upload(ctx context.Context, path string, data []byte) error {
	if s.uploadErr != nil {
		return s.uploadErr
	}
	s.uploads[path] = data
	s.blobs[path] = data
	return nil
}

func (s *fakeStore) List(ctx context.Context, folder string, recursive bool) ([]blobstore.Entry, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.listEntries, nil
}

func (s *fakeStore) TemporaryLink(ctx context.Context, path string) (string, error) {
	if s.linkErr != nil {
		return "", s.linkErr
	}
	link, ok := s.links[path]
	if !ok {
		return "", &blobstore.RequestError{Op: "temporary_link", Path: path}
	}
	return link, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(store Store) *Engine {
	return NewEngine(store, "/licenses", "/loader", nil, testLogger())
}

func putLicense(s *fakeStore, username, text string) {
	s.blobs["/licenses/"+username+".txt"] = []byte(text)
}

func TestEngine_UserNotFound(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)

	_, err := engine.Validate(context.Background(), &Request{Username: "ghost"})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestEngine_BackendFailureCollapsesToUserNotFound(t *testing.T) {
	store := newFakeStore()
	store.downloadErr = &blobstore.RequestError{Op: "download", Path: "/licenses/bob.txt", Status: 503}
	engine := newTestEngine(store)

	_, err := engine.Validate(context.Background(), &Request{Username: "bob"})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestEngine_PasswordGate(t *testing.T) {
	tests := []struct {
		name     string
		license  string
		password string
		wantErr  error
	}{
		{
			name:     "correct password accepted",
			license:  "pass=hunter2\nexpires=2099-01-01",
			password: "hunter2",
		},
		{
			name:     "wrong password rejected",
			license:  "pass=hunter2\nexpires=2099-01-01",
			password: "letmein",
			wantErr:  ErrIncorrectPassword,
		},
		{
			name:     "empty supplied password rejected when pass set",
			license:  "pass=hunter2\nexpires=2099-01-01",
			password: "",
			wantErr:  ErrIncorrectPassword,
		},
		{
			name:     "absent pass field accepts any password",
			license:  "expires=2099-01-01",
			password: "whatever",
		},
		{
			name:     "empty pass field accepts any password",
			license:  "pass=\nexpires=2099-01-01",
			password: "whatever",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			putLicense(store, "alice", tt.license)
			engine := newTestEngine(store)

			_, err := engine.Validate(context.Background(), &Request{Username: "alice", Password: tt.password})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEngine_ExpiryGate(t *testing.T) {
	tests := []struct {
		name    string
		license string
		wantErr error
	}{
		{
			name:    "past expiry rejected regardless of other fields",
			license: "pass=\nexpires=2001-01-01\nglobal=true",
			wantErr: ErrLicenseExpired,
		},
		{
			name:    "future expiry accepted",
			license: "expires=2099-01-01",
		},
		{
			name:    "absent expiry never expires",
			license: "pass=",
		},
		{
			name:    "unparseable expiry rejected",
			license: "expires=not-a-date",
			wantErr: ErrLicenseExpired,
		},
		{
			name:    "datetime layout without zone accepted",
			license: "expires=2099-06-15T12:30:00",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			putLicense(store, "alice", tt.license)
			engine := newTestEngine(store)

			_, err := engine.Validate(context.Background(), &Request{Username: "alice"})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEngine_BindOnFirstUseThenPin(t *testing.T) {
	store := newFakeStore()
	putLicense(store, "alice", "expires=2099-01-01")
	engine := newTestEngine(store)
	ctx := context.Background()

	// First login binds hwid=A
	result, err := engine.Validate(ctx, &Request{Username: "alice", HWID: "A"})
	require.NoError(t, err)
	assert.Equal(t, "A", result.Fields["hwid"])
	assert.Contains(t, string(store.uploads["/licenses/alice.txt"]), "hwid=A")

	// Same device succeeds again without another write
	store.uploads = map[string][]byte{}
	_, err = engine.Validate(ctx, &Request{Username: "alice", HWID: "A"})
	require.NoError(t, err)
	assert.Empty(t, store.uploads)

	// A different device is rejected on the bound field
	_, err = engine.Validate(ctx, &Request{Username: "alice", HWID: "B"})
	var mismatch *DeviceMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "hwid", mismatch.Field)
	assert.Equal(t, "HWID mismatch", mismatch.Status())
}

func TestEngine_MismatchCheckedInFixedOrder(t *testing.T) {
	store := newFakeStore()
	putLicense(store, "alice", "expires=2099-01-01\nhwid=H1\ncpu_id=C1\nmac=M1")
	engine := newTestEngine(store)

	// Both cpu_id and mac differ; hwid matches. cpu_id comes first in
	// the fixed order, so it is the reported field.
	_, err := engine.Validate(context.Background(), &Request{
		Username: "alice", HWID: "H1", CPUID: "C2", MAC: "M2",
	})
	var mismatch *DeviceMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "cpu_id", mismatch.Field)
}

func TestEngine_InformationalFieldsNeverMismatch(t *testing.T) {
	store := newFakeStore()
	putLicense(store, "alice", "expires=2099-01-01\nram=16GB\ndisk=D1\nip=1.2.3.4")
	engine := newTestEngine(store)

	// ram, disk and ip differ from stored values; still a success.
	result, err := engine.Validate(context.Background(), &Request{
		Username: "alice", RAM: "32GB", Disk: "D2", IP: "5.6.7.8",
	})
	require.NoError(t, err)
	// Recorded values are not overwritten once non-empty
	assert.Equal(t, "16GB", result.Fields["ram"])
}

func TestEngine_PartialBindFillsOnlyEmptyFields(t *testing.T) {
	store := newFakeStore()
	putLicense(store, "alice", "expires=2099-01-01\nhwid=H1")
	engine := newTestEngine(store)

	result, err := engine.Validate(context.Background(), &Request{
		Username: "alice", HWID: "H1", CPUID: "C1", MAC: "M1",
	})
	require.NoError(t, err)
	assert.Equal(t, "C1", result.Fields["cpu_id"])
	assert.Equal(t, "M1", result.Fields["mac"])

	updated := string(store.uploads["/licenses/alice.txt"])
	assert.Contains(t, updated, "cpu_id=C1")
	assert.Contains(t, updated, "mac=M1")
}

func TestEngine_FieldBoundThisCallCannotMismatchThisCall(t *testing.T) {
	store := newFakeStore()
	putLicense(store, "alice", "expires=2099-01-01")
	engine := newTestEngine(store)

	// Fresh license: every strict field binds and none can mismatch.
	_, err := engine.Validate(context.Background(), &Request{
		Username: "alice", HWID: "H1", CPUID: "C1", MAC: "M1",
	})
	assert.NoError(t, err)
}

func TestEngine_GlobalLicenseSkipsBinding(t *testing.T) {
	store := newFakeStore()
	putLicense(store, "team", "expires=2099-01-01\nglobal=TRUE\nhwid=H1")
	engine := newTestEngine(store)
	ctx := context.Background()

	// Mismatching hwid from a different machine: allowed, no mutation.
	_, err := engine.Validate(ctx, &Request{Username: "team", HWID: "H2", CPUID: "C9", MAC: "M9"})
	require.NoError(t, err)
	assert.Empty(t, store.uploads)

	_, err = engine.Validate(ctx, &Request{Username: "team", HWID: "H3"})
	require.NoError(t, err)
	assert.Empty(t, store.uploads)
}

func TestEngine_WriteBackFailureDoesNotFailLogin(t *testing.T) {
	store := newFakeStore()
	putLicense(store, "alice", "expires=2099-01-01")
	store.uploadErr = &blobstore.WriteError{Path: "/licenses/alice.txt", Err: errors.New("backend down")}
	engine := newTestEngine(store)

	result, err := engine.Validate(context.Background(), &Request{Username: "alice", HWID: "A"})
	require.NoError(t, err)
	assert.Equal(t, "A", result.Fields["hwid"])
}

func TestEngine_LoaderFiles(t *testing.T) {
	store := newFakeStore()
	putLicense(store, "alice", "expires=2099-01-01")
	store.listEntries = []blobstore.Entry{
		{Name: "loader.exe", Path: "/loader/loader.exe"},
		{Name: "broken.bin", Path: "/loader/broken.bin"},
	}
	store.links["/loader/loader.exe"] = "https://dl.example/loader.exe"
	engine := newTestEngine(store)

	result, err := engine.Validate(context.Background(), &Request{Username: "alice"})
	require.NoError(t, err)

	// The entry whose link failed is dropped; the other survives.
	require.Len(t, result.Files, 1)
	assert.Equal(t, FileRef{Name: "loader.exe", URL: "https://dl.example/loader.exe"}, result.Files[0])
}

func TestEngine_ListFailureDegradesToEmptyFileList(t *testing.T) {
	store := newFakeStore()
	putLicense(store, "alice", "expires=2099-01-01")
	store.listErr = &blobstore.ListError{Folder: "/loader", Err: errors.New("unreachable")}
	engine := newTestEngine(store)

	result, err := engine.Validate(context.Background(), &Request{Username: "alice"})
	require.NoError(t, err)
	assert.Empty(t, result.Files)
}

func TestEngine_Exists(t *testing.T) {
	store := newFakeStore()
	putLicense(store, "alice", "expires=2099-01-01")
	engine := newTestEngine(store)

	assert.True(t, engine.Exists(context.Background(), "alice"))
	assert.False(t, engine.Exists(context.Background(), "ghost"))
}

func TestParseExpiry(t *testing.T) {
	tests := []struct {
		value  string
		wantOK bool
		want   time.Time
	}{
		{value: "", wantOK: true, want: farFuture},
		{value: "2030-06-15T12:00:00Z", wantOK: true, want: time.Date(2030, 6, 15, 12, 0, 0, 0, time.UTC)},
		{value: "2030-06-15T12:00:00", wantOK: true, want: time.Date(2030, 6, 15, 12, 0, 0, 0, time.UTC)},
		{value: "2030-06-15 12:00:00", wantOK: true, want: time.Date(2030, 6, 15, 12, 0, 0, 0, time.UTC)},
		{value: "2030-06-15", wantOK: true, want: time.Date(2030, 6, 15, 0, 0, 0, 0, time.UTC)},
		{value: "15/06/2030", wantOK: false},
		{value: "soon", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got, ok := parseExpiry(tt.value)
			require.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.True(t, got.Equal(tt.want), "got %v want %v", got, tt.want)
			}
		})
	}
}

func TestEngine_BindingRecordsMetric(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	bindings, err := meter.Int64Counter("license_device_bindings_total")
	require.NoError(t, err)

	store := newFakeStore()
	putLicense(store, "alice", "expires=2099-01-01")
	engine := NewEngine(store, "/licenses", "/loader", bindings, testLogger())
	ctx := context.Background()

	_, err = engine.Validate(ctx, &Request{Username: "alice", HWID: "H1", CPUID: "C1", MAC: "M1"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), counterValue(t, reader, "license_device_bindings_total"))

	// A login that binds nothing records nothing
	_, err = engine.Validate(ctx, &Request{Username: "alice", HWID: "H1", CPUID: "C1", MAC: "M1"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), counterValue(t, reader, "license_device_bindings_total"))
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestEngine_ExpiryAgainstInjectedClock(t *testing.T) {
	store := newFakeStore()
	putLicense(store, "alice", "expires=2030-01-01")
	engine := newTestEngine(store)

	engine.now = func() time.Time { return time.Date(2029, 12, 31, 0, 0, 0, 0, time.UTC) }
	_, err := engine.Validate(context.Background(), &Request{Username: "alice"})
	assert.NoError(t, err)

	engine.now = func() time.Time { return time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC) }
	_, err = engine.Validate(context.Background(), &Request{Username: "alice"})
	assert.ErrorIs(t, err, ErrLicenseExpired)
}
