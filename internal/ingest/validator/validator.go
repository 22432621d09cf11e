// Package validator provides content validators for the ingest pipeline.
package validator

import (
	"context"
	"io"
	"strings"

	errors "github.com/Laisky/errors/v2"
	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"

	"github.com/Laisky/file-ingest/internal/ingest/pipeline"
)

const genericContentType = "application/octet-stream"

// ErrContentMismatch is returned when the sniffed type contradicts the declared one.
var ErrContentMismatch = errors.New("content does not match declared type")

// ErrEmpty is returned for zero-length uploads.
var ErrEmpty = errors.New("content is empty")

// Detect sniffs the MIME type of f from its leading bytes and rewinds it.
func Detect(f afero.File) (*mimetype.MIME, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "rewind")
	}
	mime, err := mimetype.DetectReader(f)
	if err != nil {
		return nil, errors.Wrap(err, "detect content type")
	}
	if _, err = f.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "rewind")
	}
	return mime, nil
}

// MIMEMatches accepts content whose sniffed type is declared or one of its
// ancestors. An empty or generic declared type accepts anything.
func MIMEMatches(declared string) pipeline.ContentValidator {
	declared = strings.TrimSpace(declared)
	return func(_ context.Context, f afero.File, _ int64) error {
		if declared == "" || strings.EqualFold(declared, genericContentType) {
			return nil
		}

		detected, err := Detect(f)
		if err != nil {
			return err
		}
		for m := detected; m != nil; m = m.Parent() {
			if m.Is(declared) {
				return nil
			}
		}

		return errors.Wrapf(ErrContentMismatch, "declared %s, detected %s", declared, detected.String())
	}
}

// NotEmpty rejects zero-length content.
func NotEmpty() pipeline.ContentValidator {
	return func(_ context.Context, _ afero.File, size int64) error {
		if size == 0 {
			return errors.WithStack(ErrEmpty)
		}
		return nil
	}
}

// Chain runs validators in order, rewinding f before each, and stops at the first failure.
func Chain(validators ...pipeline.ContentValidator) pipeline.ContentValidator {
	return func(ctx context.Context, f afero.File, size int64) error {
		for _, v := range validators {
			if v == nil {
				continue
			}
			if err := ctx.Err(); err != nil {
				return errors.WithStack(err)
			}
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return errors.Wrap(err, "rewind")
			}
			if err := v(ctx, f, size); err != nil {
				return err
			}
		}
		return nil
	}
}
