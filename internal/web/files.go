package web

import (
	"context"
	"net/http"
	"strings"

	errors "github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Laisky/file-ingest/internal/ingest/pipeline"
	"github.com/Laisky/file-ingest/internal/ingest/registry"
	"github.com/Laisky/file-ingest/internal/ingest/validator"
)

const (
	codeBadRequest     = "BAD_REQUEST"
	codeCancelled      = "CANCELLED"
	codeInternal       = "INTERNAL"
	codeNotImplemented = "NOT_IMPLEMENTED"
)

type fileHandler struct {
	opt Options
}

// health reports liveness and, when configured, scanner and redis reachability.
func (h *fileHandler) health(ctx *gin.Context) {
	status := gin.H{"status": "ok"}
	for name, p := range map[string]Pinger{"scanner": h.opt.Scanner, "redis": h.opt.Redis} {
		if p != nil {
			status[name] = h.ping(ctx, name, p)
		}
	}
	ctx.JSON(http.StatusOK, status)
}

// ping checks p within HealthTimeout.
func (h *fileHandler) ping(ctx *gin.Context, name string, p Pinger) string {
	pctx, cancel := context.WithTimeout(ctx, h.opt.HealthTimeout)
	defer cancel()

	if err := p.Ping(pctx); err != nil {
		gmw.GetLogger(ctx).Warn("health ping", zap.String("dependency", name), zap.Error(err))
		return "unavailable"
	}
	return "ok"
}

// upload accepts a multipart form with a "file" part and runs it through the pipeline.
func (h *fileHandler) upload(ctx *gin.Context) {
	logger := gmw.GetLogger(ctx).Named("upload")

	header, err := ctx.FormFile("file")
	if err != nil {
		abortWithCode(ctx, http.StatusBadRequest, codeBadRequest, "multipart field file is required")
		return
	}
	category := strings.TrimSpace(ctx.PostForm("category"))
	if category == "" {
		abortWithCode(ctx, http.StatusBadRequest, codeBadRequest, "category is required")
		return
	}

	ids := make(map[string]uuid.UUID, 3)
	for _, field := range []string{"file_id", "tracking_id", "group_id"} {
		id, err := formUUID(ctx, field)
		if err != nil {
			abortWithCode(ctx, http.StatusBadRequest, codeBadRequest, err.Error())
			return
		}
		ids[field] = id
	}

	contentType := strings.TrimSpace(ctx.PostForm("content_type"))
	if contentType == "" {
		contentType = header.Header.Get("Content-Type")
	}

	body, err := header.Open()
	if err != nil {
		logger.Error("open multipart file", zap.Error(err))
		abortWithCode(ctx, http.StatusBadRequest, codeBadRequest, "cannot read uploaded file")
		return
	}
	defer body.Close()

	req := pipeline.Request{
		FileID:           ids["file_id"],
		TrackingID:       ids["tracking_id"],
		GroupID:          ids["group_id"],
		UserID:           strings.TrimSpace(ctx.PostForm("user_id")),
		Category:         category,
		ContentType:      contentType,
		FileName:         ids["file_id"].String(),
		OriginalFileName: header.Filename,
		Size:             header.Size,
		Body:             body,
		MaxSizeBytes:     h.opt.Upload.MaxSizeBytes,
	}
	if h.opt.Upload.ValidateMIME {
		req.Validator = validator.Chain(validator.NotEmpty(), validator.MIMEMatches(contentType))
	}

	file, err := h.opt.Ingester.Store(ctx, req)
	if err != nil {
		abortWithError(ctx, err)
		return
	}

	resp, err := newFileResponse(file)
	if err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, resp)
}

// get returns the recorded file of :id.
func (h *fileHandler) get(ctx *gin.Context) {
	file, ok := h.lookup(ctx)
	if !ok {
		return
	}

	resp, err := newFileResponse(file)
	if err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, resp)
}

// delete removes the blob and record of :id.
func (h *fileHandler) delete(ctx *gin.Context) {
	file, ok := h.lookup(ctx)
	if !ok {
		return
	}

	if err := h.opt.Ingester.Delete(ctx, file); err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (h *fileHandler) lookup(ctx *gin.Context) (*pipeline.StoredFile, bool) {
	if h.opt.Registry == nil {
		abortWithCode(ctx, http.StatusNotImplemented, codeNotImplemented, "file registry is disabled")
		return nil, false
	}

	id, err := uuid.Parse(ctx.Param("id"))
	if err != nil {
		abortWithCode(ctx, http.StatusBadRequest, codeBadRequest, "invalid file id")
		return nil, false
	}

	file, err := h.opt.Registry.Lookup(ctx, id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			abortWithCode(ctx, http.StatusNotFound, string(pipeline.ErrCodeNotFound), "file not found")
			return nil, false
		}
		abortWithError(ctx, err)
		return nil, false
	}
	return file, true
}

// headBlob answers 200 or 404 for the blob derived from the query.
func (h *fileHandler) headBlob(ctx *gin.Context) {
	parts, ok := keyPartsFromQuery(ctx)
	if !ok {
		return
	}

	if err := h.opt.Ingester.RequireExists(ctx, parts); err != nil {
		ctx.AbortWithStatus(statusOf(err))
		return
	}
	ctx.Status(http.StatusOK)
}

// blobExists reports blob presence as JSON.
func (h *fileHandler) blobExists(ctx *gin.Context) {
	parts, ok := keyPartsFromQuery(ctx)
	if !ok {
		return
	}

	ctx.JSON(http.StatusOK, ExistsResponse{
		BlobName: parts.Key(),
		Exists:   h.opt.Ingester.Exists(ctx, parts),
	})
}

// deleteBlob removes the blob derived from the query.
func (h *fileHandler) deleteBlob(ctx *gin.Context) {
	parts, ok := keyPartsFromQuery(ctx)
	if !ok {
		return
	}

	if err := h.opt.Ingester.DeleteByParts(ctx, parts); err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func keyPartsFromQuery(ctx *gin.Context) (pipeline.KeyParts, bool) {
	parts := pipeline.KeyParts{
		Category:         strings.TrimSpace(ctx.Query("category")),
		ContentType:      strings.TrimSpace(ctx.Query("content_type")),
		FileName:         strings.TrimSpace(ctx.Query("file_name")),
		OriginalFileName: strings.TrimSpace(ctx.Query("original_file_name")),
	}
	if parts.Category == "" || parts.FileName == "" {
		abortWithCode(ctx, http.StatusBadRequest, codeBadRequest, "category and file_name are required")
		return parts, false
	}
	return parts, true
}

// formUUID parses an optional uuid form field, generating one when absent.
func formUUID(ctx *gin.Context, field string) (uuid.UUID, error) {
	raw := strings.TrimSpace(ctx.PostForm(field))
	if raw == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.Errorf("invalid %s", field)
	}
	return id, nil
}

// statusOf maps an error to an HTTP status.
func statusOf(err error) int {
	if typed, ok := pipeline.AsError(err); ok {
		switch typed.Code {
		case pipeline.ErrCodePayloadTooLarge:
			return http.StatusRequestEntityTooLarge
		case pipeline.ErrCodeValidationFailed, pipeline.ErrCodeVirusDetected:
			return http.StatusUnprocessableEntity
		case pipeline.ErrCodeScanUnavailable:
			return http.StatusServiceUnavailable
		case pipeline.ErrCodeStorageWriteFailed, pipeline.ErrCodeStorageReadFailed:
			return http.StatusBadGateway
		case pipeline.ErrCodeNotFound:
			return http.StatusNotFound
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func abortWithError(ctx *gin.Context, err error) {
	status := statusOf(err)
	resp := ErrorResponse{Code: codeInternal, Message: "internal error"}
	if typed, ok := pipeline.AsError(err); ok {
		resp = ErrorResponse{
			Code:       string(typed.Code),
			Message:    typed.Message,
			TrackingID: typed.TrackingID,
			Retryable:  typed.Retryable,
		}
	} else if status == http.StatusRequestTimeout {
		resp = ErrorResponse{Code: codeCancelled, Message: "request cancelled"}
	}

	logger := gmw.GetLogger(ctx)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err), zap.Int("status", status))
	} else {
		logger.Info("request rejected", zap.Error(err), zap.Int("status", status))
	}
	ctx.AbortWithStatusJSON(status, resp)
}

func abortWithCode(ctx *gin.Context, status int, code, message string) {
	ctx.AbortWithStatusJSON(status, ErrorResponse{Code: code, Message: message})
}
