package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/Laisky/errors/v2"
	gutils "github.com/Laisky/go-utils/v6"
	"github.com/Laisky/zap"
	"github.com/spf13/cobra"

	"github.com/Laisky/file-ingest/internal/ingest/pipeline"
	"github.com/Laisky/file-ingest/internal/ingest/scanner"
	"github.com/Laisky/file-ingest/library/log"
)

var scanCMD = &cobra.Command{
	Use:    "scan [FILE...]",
	Short:  "scan files with the antivirus daemon",
	Long:   `submit local files to the configured scan daemon without storing them, or ping it`,
	PreRun: preRunInitialize,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		client := newScanner(pipeline.LoadSettingsFromConfig().Scan)

		ping, err := cmd.Flags().GetBool("ping")
		if err != nil {
			log.Logger.Panic("parse flags", zap.Error(err))
		}
		if ping {
			if err = client.Ping(ctx); err != nil {
				log.Logger.Panic("ping scan daemon", zap.Error(err), zap.String("addr", client.Addr()))
			}
			fmt.Println("PONG")
			return
		}

		if len(args) == 0 {
			log.Logger.Panic("nothing to scan, pass files or --ping")
		}
		infected, err := scanFiles(ctx, client, args, os.Stdout)
		if err != nil {
			log.Logger.Panic("scan", zap.Error(err))
		}
		if infected > 0 {
			os.Exit(1)
		}
	},
}

// fileScanner is the scanner operation scanFiles needs.
type fileScanner interface {
	Scan(ctx context.Context, req scanner.Request) scanner.Result
}

// scanFiles scans paths one by one, writing "path: verdict" lines, and
// returns how many were infected.
func scanFiles(ctx context.Context, sc fileScanner, paths []string, out io.Writer) (infected int, err error) {
	for _, path := range paths {
		result, err := scanFile(ctx, sc, path)
		if err != nil {
			return infected, errors.WithStack(err)
		}

		line := fmt.Sprintf("%s: %s", path, result.Verdict)
		switch {
		case result.Verdict == scanner.VerdictInfected:
			infected++
			line += " " + result.Signature
		case result.Err != nil:
			line += " (" + result.Err.Error() + ")"
		}
		if _, err = fmt.Fprintln(out, line); err != nil {
			return infected, errors.Wrap(err, "write result")
		}
	}

	return infected, nil
}

func scanFile(ctx context.Context, sc fileScanner, path string) (scanner.Result, error) {
	fp, err := os.Open(path)
	if err != nil {
		return scanner.Result{}, errors.Wrapf(err, "open %s", path)
	}
	defer gutils.CloseWithLog(fp, log.Logger)

	info, err := fp.Stat()
	if err != nil {
		return scanner.Result{}, errors.Wrapf(err, "stat %s", path)
	}

	return sc.Scan(ctx, scanner.Request{Size: info.Size(), Body: fp}), nil
}

func init() {
	rootCMD.AddCommand(scanCMD)
	scanCMD.Flags().Bool("ping", false, "only check that the daemon answers PING")
}
