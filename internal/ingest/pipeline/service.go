// Package pipeline gates uploads through size, validation and antivirus checks
// before committing them to the blob store.
package pipeline

import (
	"context"
	"io"
	"time"

	errors "github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	gutils "github.com/Laisky/go-utils/v6"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/spf13/afero"

	"github.com/Laisky/file-ingest/internal/ingest/blobstore"
	"github.com/Laisky/file-ingest/internal/ingest/scanner"
	"github.com/Laisky/file-ingest/internal/ingest/spool"
	"github.com/Laisky/file-ingest/library/log"
)

// Service runs the ingest state machine. It holds no per-request state and
// is safe for concurrent use.
type Service struct {
	store    blobstore.Store
	scanner  Scanner
	spooler  *spool.Spooler
	recorder Recorder
	settings Settings
	logger   logSDK.Logger
	clock    Clock
}

// Option customizes a Service.
type Option func(*Service)

// WithRecorder records every committed file.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithLogger overrides the service logger.
func WithLogger(logger logSDK.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the commit timestamp source.
func WithClock(clock Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// NewService constructs the pipeline. scanner may be nil only when scanning is disabled.
func NewService(store blobstore.Store, sc Scanner, spooler *spool.Spooler, settings Settings, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	if settings.Scan.Enabled && sc == nil {
		return nil, errors.New("scanner is required when scanning is enabled")
	}
	if spooler == nil {
		spooler = spool.New(nil, settings.Upload.SpoolDir)
	}

	svc := &Service{
		store:    store,
		scanner:  sc,
		spooler:  spooler,
		settings: settings,
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.logger == nil {
		svc.logger = log.Logger.Named("ingest_pipeline")
	}
	if svc.clock == nil {
		svc.clock = gutils.Clock.GetUTCNow
	}
	if svc.settings.Storage.UploadTimeout <= 0 {
		svc.settings.Storage.UploadTimeout = defaultUploadTimeout
	}

	return svc, nil
}

// LoggerFromContext returns the request-scoped logger when available.
func (s *Service) LoggerFromContext(ctx context.Context) logSDK.Logger {
	if ctx == nil {
		return s.logger
	}
	// outside a gin request gmw.GetLogger returns its shared fallback
	if _, ok := gmw.GetGinCtxFromStdCtx(ctx); !ok {
		return s.logger
	}
	if ctxLogger := gmw.GetLogger(ctx); ctxLogger != nil {
		return ctxLogger.Named("ingest_pipeline")
	}
	return s.logger
}

// Store runs req through the size, validation and scan gates and commits it.
// It returns a StoredFile only after the object was written. Gate failures are
// *Error values, a cancelled ctx is returned as the context error.
func (s *Service) Store(ctx context.Context, req Request) (*StoredFile, error) {
	file, err := s.runStages(ctx, req)
	if err != nil {
		fields := []zap.Field{
			zap.String("stage", string(StageFailed)),
			zap.String("file_id", req.FileID.String()),
			zap.Error(err),
		}
		if typed, ok := AsError(err); ok {
			fields = append(fields,
				zap.String("failed_stage", string(typed.Stage)),
				zap.String("code", string(typed.Code)))
		}
		s.LoggerFromContext(ctx).Debug("stage", fields...)
		return nil, err
	}
	return file, nil
}

func (s *Service) runStages(ctx context.Context, req Request) (*StoredFile, error) {
	if req.Body == nil {
		return nil, errors.New("request body is nil")
	}

	key := req.KeyParts().Key()
	logger := s.LoggerFromContext(ctx).With(
		zap.String("file_id", req.FileID.String()),
		zap.String("tracking_id", req.TrackingID.String()),
		zap.String("blob_name", key),
	)

	// size gate
	logger.Debug("stage", zap.String("stage", string(StageValidating)))
	if err := blobstore.ValidateKey(key); err != nil {
		logger.Warn("invalid blob key", zap.Error(err))
		return nil, requestError(ErrCodeValidationFailed, StageValidating, req,
			"file name or category yields an invalid blob key", err)
	}
	length, err := streamLength(req.Body)
	if err != nil {
		logger.Error("measure upload", zap.Error(err))
		return nil, requestError(ErrCodeValidationFailed, StageValidating, req, "cannot determine upload size", err)
	}
	declared := req.Size
	if declared <= 0 {
		declared = length
	}
	limit := req.MaxSizeBytes
	if limit == 0 {
		limit = s.settings.Upload.MaxSizeBytes
	}
	if limit > 0 && declared > limit {
		logger.Warn("upload exceeds size limit",
			zap.Int64("size", declared), zap.Int64("limit", limit))
		return nil, requestError(ErrCodePayloadTooLarge, StageValidating, req,
			"upload exceeds maximum allowed size", nil)
	}

	// validation gate
	if req.Validator != nil {
		err = s.spooler.With(ctx, req.Body, func(f afero.File, n int64) error {
			return req.Validator(ctx, f, n)
		})
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrap(ctxErr, "validate upload")
		}
		if err != nil {
			logger.Warn("upload failed validation", zap.Error(err))
			return nil, requestError(ErrCodeValidationFailed, StageValidating, req,
				"upload failed content validation", err)
		}
	}

	// scan gate
	if s.settings.Scan.Enabled {
		logger.Debug("stage", zap.String("stage", string(StageScanning)))
		if err = s.scan(ctx, req, logger); err != nil {
			return nil, err
		}
	}

	// commit gate
	logger.Debug("stage", zap.String("stage", string(StageUploading)))
	file, err := s.commit(ctx, req, key, length, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("file stored",
		zap.String("stage", string(StageCommitted)),
		zap.Int64("size", file.SizeBytes),
		zap.String("uri", file.URI))

	if s.recorder != nil {
		if err := s.recorder.Record(ctx, file); err != nil {
			logger.Error("record stored file", zap.Error(err))
		}
	}

	return file, nil
}

// scan spools the body and submits the copy to the scanner.
func (s *Service) scan(ctx context.Context, req Request, logger logSDK.Logger) error {
	var result scanner.Result
	err := s.spooler.With(ctx, req.Body, func(f afero.File, n int64) error {
		result = s.scanner.Scan(ctx, scanner.Request{Size: n, Body: f})
		return nil
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Wrap(ctxErr, "scan upload")
	}
	if err != nil {
		// the daemon was never contacted, allow_on_error does not apply
		logger.Error("spool upload for scan", zap.Error(err))
		return requestError(ErrCodeScanUnavailable, StageScanning, req, "cannot spool upload for scan", err)
	}

	switch result.Verdict {
	case scanner.VerdictClean:
		logger.Debug("scan clean")
		return nil
	case scanner.VerdictInfected:
		logger.Error("virus detected",
			zap.String("signature", result.Signature),
			zap.String("reply", result.Raw))
		return requestError(ErrCodeVirusDetected, StageScanning, req, "virus detected", nil)
	default:
		if s.settings.Scan.AllowOnError {
			logger.Warn("scan indeterminate, accepting upload",
				zap.Error(result.Err), zap.String("reply", result.Raw))
			return nil
		}
		logger.Error("scan indeterminate, rejecting upload",
			zap.Error(result.Err), zap.String("reply", result.Raw))
		return requestError(ErrCodeScanUnavailable, StageScanning, req, "virus scan unavailable", result.Err)
	}
}

// commit writes the body to the blob store and builds the StoredFile.
func (s *Service) commit(ctx context.Context, req Request, key string, length int64, logger logSDK.Logger) (*StoredFile, error) {
	if _, err := req.Body.Seek(0, io.SeekStart); err != nil {
		return nil, requestError(ErrCodeStorageWriteFailed, StageUploading, req, "rewind upload", err)
	}

	metadata := map[string]string{
		MetaUserID:           req.UserID,
		MetaFileID:           req.FileID.String(),
		MetaTrackingID:       req.TrackingID.String(),
		MetaGroupID:          req.GroupID.String(),
		MetaCategory:         req.Category,
		MetaOriginalFileName: req.OriginalFileName,
	}

	uploadCtx, cancel := context.WithTimeout(ctx, s.settings.Storage.UploadTimeout)
	defer cancel()

	body := &countingReader{r: req.Body}
	start := time.Now()
	_, err := s.store.PutObject(uploadCtx, key, body, length, req.ContentType, metadata)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrap(ctxErr, "upload")
		}
		logger.Error("upload failed", zap.Error(err), zap.Duration("cost", time.Since(start)))
		return nil, requestError(ErrCodeStorageWriteFailed, StageUploading, req, "upload to blob store failed", err)
	}

	props := []Property{
		{Name: PropStorageType, Value: s.store.Kind()},
		{Name: PropBlobName, Value: key},
	}
	container := s.store.Container()
	if container != "" {
		props = append(props, Property{Name: PropContainerName, Value: container})
	}

	return &StoredFile{
		FileID:           req.FileID,
		TrackingID:       req.TrackingID,
		GroupID:          req.GroupID,
		UserID:           req.UserID,
		Category:         req.Category,
		ContentType:      req.ContentType,
		FileName:         req.FileName,
		OriginalFileName: req.OriginalFileName,
		SizeBytes:        body.n,
		URI:              s.resolveURI(key),
		Properties:       props,
		CreatedAt:        s.clock(),
	}, nil
}

func (s *Service) resolveURI(key string) string {
	if s.settings.Storage.BaseURL != "" {
		return blobstore.ObjectURL(s.settings.Storage.BaseURL, s.store.Container(), key)
	}
	return s.store.PublicURL(key)
}

// Exists reports whether the blob for parts is present. Collaborator failures
// are logged and reported as absent.
func (s *Service) Exists(ctx context.Context, parts KeyParts) bool {
	key := parts.Key()
	ok, err := s.store.Exists(ctx, key)
	if err != nil {
		s.LoggerFromContext(ctx).Warn("check blob existence",
			zap.String("blob_name", key), zap.Error(err))
		return false
	}
	return ok
}

// RequireExists returns nil when the blob is present, a NOT_FOUND error when it
// is absent and STORAGE_READ_FAILED when the store could not answer.
func (s *Service) RequireExists(ctx context.Context, parts KeyParts) error {
	key := parts.Key()
	ok, err := s.store.Exists(ctx, key)
	if err != nil {
		return &Error{Code: ErrCodeStorageReadFailed, Message: "check blob " + key,
			ContentType: parts.ContentType, OriginalFileName: parts.OriginalFileName,
			Retryable: true, cause: err}
	}
	if !ok {
		return &Error{Code: ErrCodeNotFound, Message: "blob " + key + " not found",
			ContentType: parts.ContentType, OriginalFileName: parts.OriginalFileName}
	}
	return nil
}

// Delete removes the blob of a stored file. The recorded BlobName wins over a
// re-derived key. Deleting an absent blob succeeds.
func (s *Service) Delete(ctx context.Context, file *StoredFile) error {
	if file == nil {
		return errors.New("stored file is nil")
	}

	key, ok := file.Property(PropBlobName)
	if !ok || key == "" {
		key = file.KeyParts().Key()
	}
	if err := s.deleteKey(ctx, key); err != nil {
		return err
	}

	if s.recorder != nil {
		if err := s.recorder.Forget(ctx, file.FileID); err != nil {
			s.LoggerFromContext(ctx).Warn("forget stored file",
				zap.String("file_id", file.FileID.String()), zap.Error(err))
		}
	}
	return nil
}

// DeleteByParts removes the blob derived from parts. Deleting an absent blob succeeds.
func (s *Service) DeleteByParts(ctx context.Context, parts KeyParts) error {
	return s.deleteKey(ctx, parts.Key())
}

func (s *Service) deleteKey(ctx context.Context, key string) error {
	if err := s.store.DeleteIfExists(ctx, key); err != nil {
		s.LoggerFromContext(ctx).Error("delete blob", zap.String("blob_name", key), zap.Error(err))
		return &Error{Code: ErrCodeStorageReadFailed, Message: "delete blob " + key,
			Retryable: true, cause: err}
	}

	s.LoggerFromContext(ctx).Info("blob deleted", zap.String("blob_name", key))
	return nil
}

// streamLength measures r by seeking to its end and rewinds it.
func streamLength(r io.Seeker) (int64, error) {
	n, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.Wrap(err, "seek to end")
	}
	if _, err = r.Seek(0, io.SeekStart); err != nil {
		return 0, errors.Wrap(err, "rewind")
	}
	return n, nil
}

// countingReader counts bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
