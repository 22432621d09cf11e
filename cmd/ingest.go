package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/Laisky/errors/v2"
	gutils "github.com/Laisky/go-utils/v6"
	"github.com/Laisky/zap"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Laisky/file-ingest/internal/ingest/pipeline"
	"github.com/Laisky/file-ingest/internal/ingest/validator"
	"github.com/Laisky/file-ingest/library/log"
)

var ingestCMD = &cobra.Command{
	Use:    "ingest FILE...",
	Short:  "ingest local files",
	Long:   `run local files through the scan-before-store pipeline`,
	Args:   cobra.MinimumNArgs(1),
	PreRun: preRunInitialize,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		c, err := buildComponents(ctx, pipeline.LoadSettingsFromConfig())
		if err != nil {
			log.Logger.Panic("build components", zap.Error(err))
		}
		defer c.Close()

		opt, err := ingestOptionsFromFlags(cmd)
		if err != nil {
			log.Logger.Panic("parse flags", zap.Error(err))
		}

		if err = ingestFiles(ctx, c.svc, opt, args, os.Stdout); err != nil {
			log.Logger.Panic("ingest", zap.Error(err))
		}
	},
}

// ingestOptions are the per-run fields shared by every file.
type ingestOptions struct {
	Category     string
	ContentType  string
	UserID       string
	GroupID      uuid.UUID
	Concurrency  int
	ValidateMIME bool
}

func ingestOptionsFromFlags(cmd *cobra.Command) (ingestOptions, error) {
	opt := ingestOptions{}
	flags := cmd.Flags()

	var err error
	if opt.Category, err = flags.GetString("category"); err != nil {
		return opt, errors.WithStack(err)
	}
	if opt.Category == "" {
		return opt, errors.New("--category is required")
	}
	if opt.ContentType, err = flags.GetString("content-type"); err != nil {
		return opt, errors.WithStack(err)
	}
	if opt.UserID, err = flags.GetString("user-id"); err != nil {
		return opt, errors.WithStack(err)
	}
	if opt.Concurrency, err = flags.GetInt("concurrency"); err != nil {
		return opt, errors.WithStack(err)
	}
	if opt.ValidateMIME, err = flags.GetBool("validate-mime"); err != nil {
		return opt, errors.WithStack(err)
	}

	group, err := flags.GetString("group-id")
	if err != nil {
		return opt, errors.WithStack(err)
	}
	opt.GroupID = uuid.New()
	if group != "" {
		if opt.GroupID, err = uuid.Parse(group); err != nil {
			return opt, errors.Wrap(err, "parse --group-id")
		}
	}

	return opt, nil
}

// fileStorer is the pipeline operation ingestFiles needs.
type fileStorer interface {
	Store(ctx context.Context, req pipeline.Request) (*pipeline.StoredFile, error)
}

// ingestFiles stores every path concurrently and writes one JSON line per stored file.
// All files share one group id. The first failure cancels the remaining files.
func ingestFiles(ctx context.Context, svc fileStorer, opt ingestOptions, paths []string, out io.Writer) error {
	if opt.Concurrency <= 0 {
		opt.Concurrency = 1
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opt.Concurrency)
	for _, path := range paths {
		g.Go(func() error {
			file, err := ingestFile(gctx, svc, opt, path)
			if err != nil {
				return errors.Wrapf(err, "ingest %s", path)
			}

			line, err := gutils.JSON.Marshal(file)
			if err != nil {
				return errors.Wrap(err, "marshal stored file")
			}

			mu.Lock()
			defer mu.Unlock()
			_, err = fmt.Fprintln(out, string(line))
			return errors.Wrap(err, "write result")
		})
	}

	return g.Wait()
}

func ingestFile(ctx context.Context, svc fileStorer, opt ingestOptions, path string) (*pipeline.StoredFile, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer gutils.CloseWithLog(fp, log.Logger)

	info, err := fp.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", path)
	}

	contentType := opt.ContentType
	if contentType == "" {
		mime, err := mimetype.DetectReader(fp)
		if err != nil {
			return nil, errors.Wrapf(err, "detect content type of %s", path)
		}
		contentType = mime.String()
	}

	fileID := uuid.New()
	req := pipeline.Request{
		FileID:           fileID,
		TrackingID:       uuid.New(),
		GroupID:          opt.GroupID,
		UserID:           opt.UserID,
		Category:         opt.Category,
		ContentType:      contentType,
		FileName:         fileID.String(),
		OriginalFileName: filepath.Base(path),
		Size:             info.Size(),
		Body:             fp,
	}
	if opt.ValidateMIME {
		req.Validator = validator.MIMEMatches(contentType)
	}

	return svc.Store(ctx, req)
}

func init() {
	rootCMD.AddCommand(ingestCMD)
	ingestCMD.Flags().String("category", "", "blob key category, required")
	ingestCMD.Flags().String("content-type", "", "content type, detected from content when empty")
	ingestCMD.Flags().String("user-id", "", "owner recorded in object metadata")
	ingestCMD.Flags().String("group-id", "", "group uuid shared by all files, generated when empty")
	ingestCMD.Flags().Int("concurrency", 4, "files stored in parallel")
	ingestCMD.Flags().Bool("validate-mime", false, "reject files whose content contradicts the content type")
}
