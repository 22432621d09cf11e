package web

import (
	"time"

	errors "github.com/Laisky/errors/v2"
	"github.com/google/uuid"
	"github.com/jinzhu/copier"

	"github.com/Laisky/file-ingest/internal/ingest/pipeline"
)

// PropertyResponse is a storage property in API responses.
type PropertyResponse struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FileResponse is the API view of a stored file.
type FileResponse struct {
	FileID           string             `json:"file_id"`
	TrackingID       string             `json:"tracking_id"`
	GroupID          string             `json:"group_id"`
	UserID           string             `json:"user_id,omitempty"`
	Category         string             `json:"category"`
	ContentType      string             `json:"content_type"`
	FileName         string             `json:"file_name"`
	OriginalFileName string             `json:"original_file_name"`
	SizeBytes        int64              `json:"size_bytes"`
	URI              string             `json:"uri"`
	Properties       []PropertyResponse `json:"properties"`
	CreatedAt        time.Time          `json:"created_at"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	TrackingID string `json:"tracking_id,omitempty"`
	Retryable  bool   `json:"retryable"`
}

// ExistsResponse reports blob presence.
type ExistsResponse struct {
	BlobName string `json:"blob_name"`
	Exists   bool   `json:"exists"`
}

var uuidToString = copier.TypeConverter{
	SrcType: uuid.UUID{},
	DstType: copier.String,
	Fn: func(src any) (any, error) {
		id, ok := src.(uuid.UUID)
		if !ok {
			return nil, errors.Errorf("expect uuid.UUID, got %T", src)
		}
		return id.String(), nil
	},
}

// newFileResponse converts a stored file into its API view.
func newFileResponse(file *pipeline.StoredFile) (*FileResponse, error) {
	resp := new(FileResponse)
	if err := copier.CopyWithOption(resp, file, copier.Option{
		Converters: []copier.TypeConverter{uuidToString},
	}); err != nil {
		return nil, errors.Wrap(err, "copy stored file")
	}
	return resp, nil
}
