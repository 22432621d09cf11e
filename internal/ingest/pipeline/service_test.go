package pipeline

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	errors "github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/Laisky/file-ingest/internal/ingest/scanner"
	"github.com/Laisky/file-ingest/internal/ingest/spool"
)

// TestStoreCommitsAvatar verifies the happy path end to end.
func TestStoreCommitsAvatar(t *testing.T) {
	rec := &memRecorder{}
	env := newTestEnv(t, func(s *Settings) {
		s.Storage.BaseURL = "https://cdn.example.com/"
	}, WithRecorder(rec))

	payload := bytes.Repeat([]byte{0x89}, 500)
	req := newRequest(payload)
	req.Validator = func(_ context.Context, f afero.File, size int64) error {
		require.EqualValues(t, 500, size)
		got, err := io.ReadAll(f)
		require.NoError(t, err)
		require.Equal(t, payload, got)
		return nil
	}

	file, err := env.svc.Store(context.Background(), req)
	require.NoError(t, err)

	const key = "avatars/images/abc123.PNG"
	require.EqualValues(t, 500, file.SizeBytes)
	require.Equal(t, "https://cdn.example.com/videos/"+key, file.URI)
	require.Equal(t, testNow, file.CreatedAt)
	require.Equal(t, req.FileID, file.FileID)
	require.Equal(t, "pic.PNG", file.OriginalFileName)

	blob, ok := file.Property(PropBlobName)
	require.True(t, ok)
	require.Equal(t, key, blob)
	kind, _ := file.Property(PropStorageType)
	require.Equal(t, "Memory", kind)
	container, _ := file.Property(PropContainerName)
	require.Equal(t, "videos", container)

	require.Equal(t, payload, env.store.objects[key])
	require.Equal(t, "image/png", env.store.types[key])
	require.Equal(t, map[string]string{
		MetaUserID:           "user-1",
		MetaFileID:           req.FileID.String(),
		MetaTrackingID:       req.TrackingID.String(),
		MetaGroupID:          req.GroupID.String(),
		MetaCategory:         "avatars",
		MetaOriginalFileName: "pic.PNG",
	}, env.store.meta[key])

	require.Equal(t, payload, env.scanner.payload)
	require.Same(t, file, rec.files[req.FileID])
	env.requireSpoolEmpty(t)
}

// TestStoreURIFallsBackToStore verifies the backend locator is used without a base URL.
func TestStoreURIFallsBackToStore(t *testing.T) {
	env := newTestEnv(t, nil)

	file, err := env.svc.Store(context.Background(), newRequest([]byte("hello")))
	require.NoError(t, err)
	require.Equal(t, "mem://videos/avatars/images/abc123.PNG", file.URI)
}

// TestStoreSizeGate verifies oversized uploads never reach the scanner or the store.
func TestStoreSizeGate(t *testing.T) {
	t.Run("request limit", func(t *testing.T) {
		env := newTestEnv(t, nil)
		req := newRequest(make([]byte, 101))
		req.MaxSizeBytes = 100

		_, err := env.svc.Store(context.Background(), req)
		require.True(t, IsCode(err, ErrCodePayloadTooLarge), "%v", err)
		typed, _ := AsError(err)
		require.Equal(t, StageValidating, typed.Stage)
		require.Equal(t, req.TrackingID.String(), typed.TrackingID)
		require.False(t, typed.Retryable)
		require.Zero(t, env.store.putCount())
		require.Zero(t, env.scanner.callCount())
	})

	t.Run("configured limit", func(t *testing.T) {
		env := newTestEnv(t, func(s *Settings) { s.Upload.MaxSizeBytes = 10 })
		_, err := env.svc.Store(context.Background(), newRequest(make([]byte, 11)))
		require.True(t, IsCode(err, ErrCodePayloadTooLarge), "%v", err)
		require.Zero(t, env.store.putCount())
	})

	t.Run("declared length wins", func(t *testing.T) {
		env := newTestEnv(t, nil)
		req := newRequest(make([]byte, 10))
		req.Size = 1000
		req.MaxSizeBytes = 100

		_, err := env.svc.Store(context.Background(), req)
		require.True(t, IsCode(err, ErrCodePayloadTooLarge), "%v", err)
	})

	t.Run("unknown length is measured", func(t *testing.T) {
		env := newTestEnv(t, nil)
		req := newRequest(make([]byte, 300))
		req.Size = 0
		req.MaxSizeBytes = 200

		_, err := env.svc.Store(context.Background(), req)
		require.True(t, IsCode(err, ErrCodePayloadTooLarge), "%v", err)

		req = newRequest(make([]byte, 200))
		req.Size = 0
		req.MaxSizeBytes = 200
		file, err := env.svc.Store(context.Background(), req)
		require.NoError(t, err)
		require.EqualValues(t, 200, file.SizeBytes)
	})
}

// TestStoreValidationFailed verifies validator rejections stop the pipeline.
func TestStoreValidationFailed(t *testing.T) {
	env := newTestEnv(t, nil)
	req := newRequest([]byte("not a png"))
	req.Validator = func(context.Context, afero.File, int64) error {
		return errors.New("bad magic")
	}

	_, err := env.svc.Store(context.Background(), req)
	require.True(t, IsCode(err, ErrCodeValidationFailed), "%v", err)
	typed, _ := AsError(err)
	require.Equal(t, req.TrackingID.String(), typed.TrackingID)
	require.Equal(t, "image/png", typed.ContentType)
	require.Contains(t, err.Error(), "bad magic")
	require.Zero(t, env.scanner.callCount())
	require.Zero(t, env.store.putCount())
	env.requireSpoolEmpty(t)
}

// TestStoreInfected verifies an infected verdict is rejected under either policy.
func TestStoreInfected(t *testing.T) {
	for _, allow := range []bool{true, false} {
		t.Run(strconv.FormatBool(allow), func(t *testing.T) {
			env := newTestEnv(t, func(s *Settings) { s.Scan.AllowOnError = allow })
			env.scanner.result = scanner.Result{
				Verdict:   scanner.VerdictInfected,
				Raw:       "stream: Eicar-Signature FOUND",
				Signature: "Eicar-Signature",
			}

			_, err := env.svc.Store(context.Background(), newRequest([]byte("X5O!P%@AP")))
			require.True(t, IsCode(err, ErrCodeVirusDetected), "%v", err)
			typed, _ := AsError(err)
			require.Equal(t, StageScanning, typed.Stage)
			require.Zero(t, env.store.putCount())
			env.requireSpoolEmpty(t)
		})
	}
}

// TestStoreScanIndeterminate verifies the allow-on-error policy.
func TestStoreScanIndeterminate(t *testing.T) {
	indeterminate := scanner.Result{
		Verdict: scanner.VerdictIndeterminate,
		Err:     errors.New("connection refused"),
	}

	t.Run("allowed", func(t *testing.T) {
		env := newTestEnv(t, func(s *Settings) { s.Scan.AllowOnError = true })
		env.scanner.result = indeterminate

		_, err := env.svc.Store(context.Background(), newRequest([]byte("data")))
		require.NoError(t, err)
		require.Equal(t, 1, env.store.putCount())
	})

	t.Run("rejected", func(t *testing.T) {
		env := newTestEnv(t, func(s *Settings) { s.Scan.AllowOnError = false })
		env.scanner.result = indeterminate

		_, err := env.svc.Store(context.Background(), newRequest([]byte("data")))
		require.True(t, IsCode(err, ErrCodeScanUnavailable), "%v", err)
		typed, _ := AsError(err)
		require.True(t, typed.Retryable)
		require.Zero(t, env.store.putCount())
	})
}

// TestStoreScanDisabled verifies no scan happens when scanning is off.
func TestStoreScanDisabled(t *testing.T) {
	env := newTestEnv(t, func(s *Settings) { s.Scan.Enabled = false })

	_, err := env.svc.Store(context.Background(), newRequest([]byte("data")))
	require.NoError(t, err)
	require.Zero(t, env.scanner.callCount())
	require.Equal(t, 1, env.store.putCount())
}

// silentDaemon accepts connections and never replies.
func silentDaemon(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(io.Discard, conn)
			}()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// TestStoreScanTimeout verifies a daemon that never answers is handled by policy.
func TestStoreScanTimeout(t *testing.T) {
	host, port := silentDaemon(t)

	for _, allow := range []bool{true, false} {
		t.Run(strconv.FormatBool(allow), func(t *testing.T) {
			fs := afero.NewMemMapFs()
			settings := Settings{}
			settings.applyDefaults()
			settings.Scan.Enabled = true
			settings.Scan.AllowOnError = allow

			client := scanner.New(scanner.Config{
				Host:      host,
				Port:      port,
				IOTimeout: 100 * time.Millisecond,
			}, nil)
			store := newMemStore()
			svc, err := NewService(store, client, nil, settings)
			require.NoError(t, err)
			svc.spooler = newTestSpooler(fs)

			_, err = svc.Store(context.Background(), newRequest([]byte("payload")))
			if allow {
				require.NoError(t, err)
				require.Equal(t, 1, store.putCount())
				return
			}
			require.True(t, IsCode(err, ErrCodeScanUnavailable), "%v", err)
			require.Zero(t, store.putCount())
		})
	}
}

// TestStoreCancelled verifies cancellation surfaces as a context error and not a verdict.
func TestStoreCancelled(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		env := newTestEnv(t, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := env.svc.Store(ctx, newRequest([]byte("data")))
		require.ErrorIs(t, err, context.Canceled)
		_, typed := AsError(err)
		require.False(t, typed)
		require.Zero(t, env.store.putCount())
		env.requireSpoolEmpty(t)
	})

	t.Run("during scan", func(t *testing.T) {
		env := newTestEnv(t, func(s *Settings) { s.Scan.AllowOnError = true })
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		env.scanner.result = scanner.Result{Verdict: scanner.VerdictIndeterminate, Err: context.Canceled}
		env.scanner.hook = func(context.Context) { cancel() }

		_, err := env.svc.Store(ctx, newRequest([]byte("data")))
		require.ErrorIs(t, err, context.Canceled)
		require.Zero(t, env.store.putCount())
		env.requireSpoolEmpty(t)
	})
}

// TestStoreWriteFailed verifies collaborator failures map to STORAGE_WRITE_FAILED.
func TestStoreWriteFailed(t *testing.T) {
	rec := &memRecorder{}
	env := newTestEnv(t, nil, WithRecorder(rec))
	putErr := errors.New("503 slow down")
	env.store.putErr = putErr

	_, err := env.svc.Store(context.Background(), newRequest([]byte("data")))
	require.True(t, IsCode(err, ErrCodeStorageWriteFailed), "%v", err)
	require.ErrorIs(t, err, putErr)
	typed, _ := AsError(err)
	require.Equal(t, StageUploading, typed.Stage)
	require.True(t, typed.Retryable)
	require.Empty(t, rec.files)
	require.Equal(t, 1, env.store.putCount())
}

// TestStoreUploadTimeout verifies the upload deadline bounds the commit stage.
func TestStoreUploadTimeout(t *testing.T) {
	env := newTestEnv(t, func(s *Settings) { s.Storage.UploadTimeout = 50 * time.Millisecond })
	env.store.blockPut = true

	start := time.Now()
	_, err := env.svc.Store(context.Background(), newRequest([]byte("data")))
	require.True(t, IsCode(err, ErrCodeStorageWriteFailed), "%v", err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)
}

// TestStoreRecorderFailureIsNotFatal verifies a registry outage does not undo a commit.
func TestStoreRecorderFailureIsNotFatal(t *testing.T) {
	rec := &memRecorder{err: errors.New("redis down")}
	env := newTestEnv(t, nil, WithRecorder(rec))

	file, err := env.svc.Store(context.Background(), newRequest([]byte("data")))
	require.NoError(t, err)
	require.NotNil(t, file)
	require.Contains(t, env.store.objects, "avatars/images/abc123.PNG")
}

// TestStoreIndependentCalls verifies concurrent stores do not share state.
func TestStoreIndependentCalls(t *testing.T) {
	env := newTestEnv(t, nil)

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			req := newRequest(bytes.Repeat([]byte{byte(i)}, 100+i))
			req.FileName = "f" + strconv.Itoa(i)
			_, err := env.svc.Store(context.Background(), req)
			errs <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	require.Len(t, env.store.objects, n)
	require.Len(t, env.store.objects["avatars/images/f3.PNG"], 103)
	env.requireSpoolEmpty(t)
}

// TestExistsAndDelete verifies existence checks and idempotent deletes.
func TestExistsAndDelete(t *testing.T) {
	ctx := context.Background()
	rec := &memRecorder{}
	env := newTestEnv(t, nil, WithRecorder(rec))

	req := newRequest([]byte("data"))
	parts := req.KeyParts()
	require.False(t, env.svc.Exists(ctx, parts))
	require.True(t, IsCode(env.svc.RequireExists(ctx, parts), ErrCodeNotFound))

	file, err := env.svc.Store(ctx, req)
	require.NoError(t, err)
	require.True(t, env.svc.Exists(ctx, parts))
	require.NoError(t, env.svc.RequireExists(ctx, parts))

	require.NoError(t, env.svc.Delete(ctx, file))
	require.False(t, env.svc.Exists(ctx, parts))
	require.Equal(t, []uuid.UUID{file.FileID}, rec.forgot)

	// deleting twice succeeds
	require.NoError(t, env.svc.Delete(ctx, file))
	require.NoError(t, env.svc.DeleteByParts(ctx, parts))
}

// TestDeleteByParts verifies deletes derived from key parts.
func TestDeleteByParts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	req := newRequest([]byte("data"))
	_, err := env.svc.Store(ctx, req)
	require.NoError(t, err)

	require.NoError(t, env.svc.DeleteByParts(ctx, req.KeyParts()))
	require.False(t, env.svc.Exists(ctx, req.KeyParts()))
}

// TestDeletePrefersBlobName verifies the recorded blob name wins over derivation.
func TestDeletePrefersBlobName(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.store.objects["legacy/key.bin"] = []byte("x")
	env.store.objects["avatars/images/abc123.PNG"] = []byte("y")

	file := &StoredFile{
		Category:         "avatars",
		ContentType:      "image/png",
		FileName:         "abc123",
		OriginalFileName: "pic.PNG",
		Properties:       []Property{{Name: PropBlobName, Value: "legacy/key.bin"}},
	}
	require.NoError(t, env.svc.Delete(ctx, file))
	require.NotContains(t, env.store.objects, "legacy/key.bin")
	require.Contains(t, env.store.objects, "avatars/images/abc123.PNG")
}

// TestStoreFailures verifies collaborator read and delete failures.
func TestStoreFailures(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	parts := newRequest(nil).KeyParts()

	env.store.existErr = errors.New("timeout")
	require.False(t, env.svc.Exists(ctx, parts))
	err := env.svc.RequireExists(ctx, parts)
	require.True(t, IsCode(err, ErrCodeStorageReadFailed), "%v", err)

	env.store.delErr = errors.New("forbidden")
	err = env.svc.DeleteByParts(ctx, parts)
	require.True(t, IsCode(err, ErrCodeStorageReadFailed), "%v", err)
}

// TestNewServiceRequiresCollaborators verifies constructor checks.
func TestNewServiceRequiresCollaborators(t *testing.T) {
	settings := Settings{}
	settings.applyDefaults()

	_, err := NewService(nil, nil, nil, settings)
	require.Error(t, err)

	settings.Scan.Enabled = true
	_, err = NewService(newMemStore(), nil, nil, settings)
	require.Error(t, err)
}

// TestStoreSpoolFailureRejects verifies a scan that cannot spool the upload
// fails even when allow_on_error is set.
func TestStoreSpoolFailureRejects(t *testing.T) {
	settings := Settings{}
	settings.applyDefaults()
	settings.Scan.Enabled = true
	settings.Scan.AllowOnError = true

	store := newMemStore()
	sc := &fakeScanner{result: scanner.Result{Verdict: scanner.VerdictClean}}
	readOnly := spool.New(afero.NewReadOnlyFs(afero.NewMemMapFs()), testSpoolDir)
	svc, err := NewService(store, sc, readOnly, settings)
	require.NoError(t, err)

	_, err = svc.Store(context.Background(), newRequest([]byte("X5O!P%@AP EICAR")))
	require.True(t, IsCode(err, ErrCodeScanUnavailable), "%v", err)
	typed, _ := AsError(err)
	require.Equal(t, StageScanning, typed.Stage)
	require.Zero(t, sc.callCount())
	require.Zero(t, store.putCount())
}

// TestStoreRejectsInvalidKey verifies unsafe key parts fail validation before
// any scan or upload.
func TestStoreRejectsInvalidKey(t *testing.T) {
	for name, mutate := range map[string]func(*Request){
		"dot-dot category": func(r *Request) { r.Category = ".." },
		"backslash ext":    func(r *Request) { r.OriginalFileName = `pic.p\ng` },
		"slash category":   func(r *Request) { r.Category = "/abs" },
	} {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			req := newRequest([]byte("data"))
			mutate(&req)

			_, err := env.svc.Store(context.Background(), req)
			require.True(t, IsCode(err, ErrCodeValidationFailed), "%v", err)
			typed, _ := AsError(err)
			require.Equal(t, StageValidating, typed.Stage)
			require.False(t, typed.Retryable)
			require.Zero(t, env.scanner.callCount())
			require.Zero(t, env.store.putCount())
		})
	}
}

// TestLoggerFromContextOutsideGin verifies plain contexts use the configured logger.
func TestLoggerFromContextOutsideGin(t *testing.T) {
	configured := logSDK.Shared.Named("configured")
	env := newTestEnv(t, nil, WithLogger(configured))

	require.Same(t, configured, env.svc.LoggerFromContext(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.Same(t, configured, env.svc.LoggerFromContext(ctx))
}
