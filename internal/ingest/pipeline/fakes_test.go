package pipeline

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	errors "github.com/Laisky/errors/v2"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/Laisky/file-ingest/internal/ingest/blobstore"
	"github.com/Laisky/file-ingest/internal/ingest/scanner"
	"github.com/Laisky/file-ingest/internal/ingest/spool"
)

const testSpoolDir = "/spool"

// memStore is an in-memory blobstore.Store.
type memStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	meta     map[string]map[string]string
	types    map[string]string
	puts     int
	putErr   error
	existErr error
	delErr   error
	// blockPut waits for the upload context to end.
	blockPut bool
}

func newMemStore() *memStore {
	return &memStore{
		objects: map[string][]byte{},
		meta:    map[string]map[string]string{},
		types:   map[string]string{},
	}
}

func (m *memStore) PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string, metadata map[string]string) (blobstore.Object, error) {
	m.mu.Lock()
	m.puts++
	putErr, block := m.putErr, m.blockPut
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return blobstore.Object{}, errors.WithStack(ctx.Err())
	}
	if putErr != nil {
		return blobstore.Object{}, putErr
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return blobstore.Object{}, errors.WithStack(err)
	}
	if size >= 0 && int64(len(data)) != size {
		return blobstore.Object{}, errors.Errorf("size mismatch: %d != %d", len(data), size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.meta[key] = metadata
	m.types[key] = contentType
	return blobstore.Object{Key: key, Size: int64(len(data))}, nil
}

func (m *memStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existErr != nil {
		return false, m.existErr
	}
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memStore) DeleteIfExists(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.delErr != nil {
		return m.delErr
	}
	delete(m.objects, key)
	return nil
}

func (m *memStore) PublicURL(key string) string { return "mem://videos/" + key }
func (m *memStore) Kind() string                { return "Memory" }
func (m *memStore) Container() string           { return "videos" }

func (m *memStore) putCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

// fakeScanner returns a fixed result and captures the scanned payload.
type fakeScanner struct {
	mu      sync.Mutex
	result  scanner.Result
	hook    func(ctx context.Context)
	calls   int
	payload []byte
}

func (f *fakeScanner) Scan(ctx context.Context, req scanner.Request) scanner.Result {
	data, _ := io.ReadAll(req.Body)
	f.mu.Lock()
	f.calls++
	f.payload = data
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	return f.result
}

func (f *fakeScanner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// memRecorder captures recorded files.
type memRecorder struct {
	mu     sync.Mutex
	files  map[uuid.UUID]*StoredFile
	err    error
	forgot []uuid.UUID
}

func (r *memRecorder) Record(_ context.Context, file *StoredFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.files == nil {
		r.files = map[uuid.UUID]*StoredFile{}
	}
	r.files[file.FileID] = file
	return nil
}

func (r *memRecorder) Forget(_ context.Context, fileID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgot = append(r.forgot, fileID)
	delete(r.files, fileID)
	return nil
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	svc     *Service
	store   *memStore
	scanner *fakeScanner
	fs      afero.Fs
}

// newTestEnv builds a service on in-memory collaborators. mutate adjusts the
// default settings before construction.
func newTestEnv(t *testing.T, mutate func(*Settings), opts ...Option) *testEnv {
	t.Helper()

	settings := Settings{}
	settings.applyDefaults()
	settings.Scan.Enabled = true
	if mutate != nil {
		mutate(&settings)
	}

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(testSpoolDir, 0o700))

	env := &testEnv{
		store:   newMemStore(),
		scanner: &fakeScanner{result: scanner.Result{Verdict: scanner.VerdictClean, Raw: "stream: OK"}},
		fs:      fs,
	}

	var sc Scanner
	if settings.Scan.Enabled {
		sc = env.scanner
	}
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	svc, err := NewService(env.store, sc, spool.New(fs, testSpoolDir), settings, opts...)
	require.NoError(t, err)
	env.svc = svc
	return env
}

// requireSpoolEmpty asserts no temporary file outlived its call.
func (e *testEnv) requireSpoolEmpty(t *testing.T) {
	t.Helper()
	entries, err := afero.ReadDir(e.fs, testSpoolDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

// newRequest builds the avatar upload used throughout the tests.
func newRequest(payload []byte) Request {
	return Request{
		FileID:           uuid.New(),
		TrackingID:       uuid.New(),
		GroupID:          uuid.New(),
		UserID:           "user-1",
		Category:         "avatars",
		ContentType:      "image/png",
		FileName:         "abc123",
		OriginalFileName: "pic.PNG",
		Size:             int64(len(payload)),
		Body:             bytes.NewReader(payload),
	}
}

func newTestSpooler(fs afero.Fs) *spool.Spooler {
	return spool.New(fs, testSpoolDir)
}
