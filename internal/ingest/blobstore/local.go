package blobstore

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	errors "github.com/Laisky/errors/v2"
	gutils "github.com/Laisky/go-utils/v6"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/spf13/afero"

	"github.com/Laisky/file-ingest/library/log"
)

const metaSuffix = ".meta.json"

// LocalMeta is the sidecar written next to each local object.
type LocalMeta struct {
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// LocalStore keeps objects as files below a root directory.
type LocalStore struct {
	fs        afero.Fs
	root      string
	publicURL string
	logger    logSDK.Logger
}

// NewLocalStore creates root when missing. publicURL is the prefix objects are
// served under, empty means file:// locators.
func NewLocalStore(fs afero.Fs, root, publicURL string, logger logSDK.Logger) (*LocalStore, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if root == "" {
		return nil, errors.New("local store root is required")
	}
	if logger == nil {
		logger = log.Logger.Named("local_store")
	}
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create local store root %s", root)
	}

	return &LocalStore{fs: fs, root: root, publicURL: publicURL, logger: logger}, nil
}

// validateLocalKey also rejects keys that would name another object's sidecar.
func validateLocalKey(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if strings.HasSuffix(key, metaSuffix) {
		return errors.Errorf("object key %q ends with reserved suffix %s", key, metaSuffix)
	}
	return nil
}

func (s *LocalStore) objectPath(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// PutObject writes body into a temp file in the target directory and renames it
// into place, so readers never observe a partial object.
func (s *LocalStore) PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string, metadata map[string]string) (obj Object, err error) {
	if err = validateLocalKey(key); err != nil {
		return Object{}, errors.WithStack(err)
	}
	if err = ctx.Err(); err != nil {
		return Object{}, errors.WithStack(err)
	}

	dst := s.objectPath(key)
	dir := filepath.Dir(dst)
	if err = s.fs.MkdirAll(dir, 0o755); err != nil {
		return Object{}, errors.Wrapf(err, "create dir %s", dir)
	}

	tmp, err := afero.TempFile(s.fs, dir, "."+path.Base(key)+".tmp-*")
	if err != nil {
		return Object{}, errors.Wrap(err, "create temp object")
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = s.fs.Remove(tmpName)
		}
	}()

	written, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: body})
	if err != nil {
		return Object{}, errors.Wrapf(err, "write object %s", key)
	}
	if size >= 0 && written != size {
		return Object{}, errors.Errorf("object %s: wrote %d bytes, expected %d", key, written, size)
	}
	if err = tmp.Sync(); err != nil {
		return Object{}, errors.Wrap(err, "sync temp object")
	}
	if err = tmp.Close(); err != nil {
		return Object{}, errors.Wrap(err, "close temp object")
	}

	meta, err := gutils.JSON.Marshal(LocalMeta{ContentType: contentType, Size: written, Metadata: metadata})
	if err != nil {
		return Object{}, errors.Wrap(err, "marshal object metadata")
	}
	if err = afero.WriteFile(s.fs, dst+metaSuffix, meta, 0o644); err != nil {
		return Object{}, errors.Wrapf(err, "write metadata of %s", key)
	}
	if err = s.fs.Rename(tmpName, dst); err != nil {
		_ = s.fs.Remove(dst + metaSuffix)
		return Object{}, errors.Wrapf(err, "rename temp object to %s", dst)
	}

	s.logger.Debug("object written", zap.String("key", key), zap.Int64("size", written))
	return Object{Key: key, Size: written}, nil
}

// Exists reports whether the object file is present.
func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateLocalKey(key); err != nil {
		return false, errors.WithStack(err)
	}
	if err := ctx.Err(); err != nil {
		return false, errors.WithStack(err)
	}

	ok, err := afero.Exists(s.fs, s.objectPath(key))
	if err != nil {
		return false, errors.Wrapf(err, "stat object %s", key)
	}
	return ok, nil
}

// Meta reads the sidecar of key.
func (s *LocalStore) Meta(key string) (*LocalMeta, error) {
	if err := validateLocalKey(key); err != nil {
		return nil, errors.WithStack(err)
	}

	raw, err := afero.ReadFile(s.fs, s.objectPath(key)+metaSuffix)
	if err != nil {
		return nil, errors.Wrapf(err, "read metadata of %s", key)
	}

	meta := new(LocalMeta)
	if err = gutils.JSON.UnmarshalFromString(string(raw), meta); err != nil {
		return nil, errors.Wrapf(err, "unmarshal metadata of %s", key)
	}
	return meta, nil
}

// DeleteIfExists removes the object and its sidecar.
func (s *LocalStore) DeleteIfExists(ctx context.Context, key string) error {
	if err := validateLocalKey(key); err != nil {
		return errors.WithStack(err)
	}
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}

	p := s.objectPath(key)
	for _, name := range []string{p, p + metaSuffix} {
		if err := s.fs.Remove(name); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove %s", name)
		}
	}
	return nil
}

// PublicURL returns publicURL/key, or a file:// locator without a public URL.
func (s *LocalStore) PublicURL(key string) string {
	if s.publicURL == "" {
		return "file://" + filepath.ToSlash(s.objectPath(key))
	}
	return objectURL(s.publicURL, "", key)
}

// Kind returns KindLocal.
func (s *LocalStore) Kind() string {
	return KindLocal
}

// Container is empty for the local backend.
func (s *LocalStore) Container() string {
	return ""
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
