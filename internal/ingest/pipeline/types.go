package pipeline

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/Laisky/file-ingest/internal/ingest/blobkey"
	"github.com/Laisky/file-ingest/internal/ingest/scanner"
)

// Stage is the position of a request in the ingest state machine.
type Stage string

const (
	StageValidating Stage = "validating"
	StageScanning   Stage = "scanning"
	StageUploading  Stage = "uploading"
	StageCommitted  Stage = "committed"
	StageFailed     Stage = "failed"
)

// Property names attached to every stored file.
const (
	PropStorageType   = "StorageType"
	PropBlobName      = "BlobName"
	PropContainerName = "ContainerName"
)

// Metadata keys written alongside each object.
const (
	MetaUserID           = "userId"
	MetaFileID           = "fileId"
	MetaTrackingID       = "trackingId"
	MetaGroupID          = "groupId"
	MetaCategory         = "category"
	MetaOriginalFileName = "originalFileName"
)

// Property is a named storage attribute.
type Property struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// StoredFile describes a committed file. It is never modified after Store returns it.
type StoredFile struct {
	FileID           uuid.UUID  `json:"file_id"`
	TrackingID       uuid.UUID  `json:"tracking_id"`
	GroupID          uuid.UUID  `json:"group_id"`
	UserID           string     `json:"user_id,omitempty"`
	Category         string     `json:"category"`
	ContentType      string     `json:"content_type"`
	FileName         string     `json:"file_name"`
	OriginalFileName string     `json:"original_file_name"`
	SizeBytes        int64      `json:"size_bytes"`
	URI              string     `json:"uri"`
	Properties       []Property `json:"properties"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Property returns the value of the named property.
func (f *StoredFile) Property(name string) (string, bool) {
	for _, p := range f.Properties {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// KeyParts returns the fields the blob key is derived from.
func (f *StoredFile) KeyParts() KeyParts {
	return KeyParts{
		Category:         f.Category,
		ContentType:      f.ContentType,
		FileName:         f.FileName,
		OriginalFileName: f.OriginalFileName,
	}
}

// KeyParts identifies a blob without a StoredFile.
type KeyParts struct {
	Category         string
	ContentType      string
	FileName         string
	OriginalFileName string
}

// Key derives the blob key.
func (k KeyParts) Key() string {
	return blobkey.Build(k.Category, k.ContentType, k.FileName, k.OriginalFileName)
}

// ContentValidator inspects a spooled copy of the upload. f is positioned at
// offset 0 and holds size bytes.
type ContentValidator func(ctx context.Context, f afero.File, size int64) error

// Request is a single ingest call.
type Request struct {
	FileID           uuid.UUID
	TrackingID       uuid.UUID
	GroupID          uuid.UUID
	UserID           string
	Category         string
	ContentType      string
	FileName         string
	OriginalFileName string
	// Size is the declared length, <= 0 means measure the body.
	Size int64
	Body io.ReadSeeker
	// MaxSizeBytes overrides the configured limit, 0 means use the configured one.
	MaxSizeBytes int64
	// Validator is optional.
	Validator ContentValidator
}

// KeyParts returns the fields the blob key is derived from.
func (r Request) KeyParts() KeyParts {
	return KeyParts{
		Category:         r.Category,
		ContentType:      r.ContentType,
		FileName:         r.FileName,
		OriginalFileName: r.OriginalFileName,
	}
}

// Scanner submits a stream to the antivirus daemon.
type Scanner interface {
	Scan(ctx context.Context, req scanner.Request) scanner.Result
}

// Recorder persists stored-file metadata after a commit.
type Recorder interface {
	Record(ctx context.Context, file *StoredFile) error
	Forget(ctx context.Context, fileID uuid.UUID) error
}

// Clock returns the current time in UTC.
type Clock func() time.Time
