// Package spool materializes streams into scoped temporary files.
package spool

import (
	"context"
	"io"
	"os"

	errors "github.com/Laisky/errors/v2"
	"github.com/spf13/afero"
)

const tempPattern = "ingest-spool-*"

// Spooler creates private temporary files on an afero filesystem.
type Spooler struct {
	fs  afero.Fs
	dir string
}

// New constructs a Spooler. A nil fs means the OS filesystem,
// an empty dir means os.TempDir().
func New(fs afero.Fs, dir string) *Spooler {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if dir == "" {
		dir = os.TempDir()
	}
	return &Spooler{fs: fs, dir: dir}
}

// With copies src into a fresh temporary file and calls fn with the file
// rewound to offset 0 and the number of bytes spooled.
//
// src is rewound to offset 0 before and after spooling, on every path.
// The temporary file is closed and removed before With returns, whether fn
// succeeded, failed, panicked or ctx was cancelled.
func (s *Spooler) With(ctx context.Context, src io.ReadSeeker, fn func(f afero.File, size int64) error) (err error) {
	if src == nil {
		return errors.New("spool source is nil")
	}
	if err = ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	if err = s.fs.MkdirAll(s.dir, 0o700); err != nil {
		return errors.Wrapf(err, "create spool dir %s", s.dir)
	}

	f, err := afero.TempFile(s.fs, s.dir, tempPattern)
	if err != nil {
		return errors.Wrap(err, "create spool file")
	}
	name := f.Name()
	defer func() {
		_ = f.Close()
		if rmErr := s.fs.Remove(name); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = errors.Wrapf(rmErr, "remove spool file %s", name)
		}
		if _, seekErr := src.Seek(0, io.SeekStart); seekErr != nil && err == nil {
			err = errors.Wrap(seekErr, "rewind source")
		}
	}()

	if _, err = src.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "rewind source")
	}
	size, err := io.Copy(f, &ctxReader{ctx: ctx, r: src})
	if err != nil {
		return errors.Wrap(err, "spool source")
	}
	if _, err = src.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "rewind source")
	}
	if _, err = f.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "rewind spool file")
	}

	return fn(f, size)
}

// ctxReader stops reading once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
