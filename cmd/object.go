package cmd

import (
	"fmt"

	"github.com/Laisky/errors/v2"
	gcmd "github.com/Laisky/go-utils/v6/cmd"
	"github.com/Laisky/zap"
	"github.com/spf13/cobra"

	"github.com/Laisky/file-ingest/internal/ingest/pipeline"
	"github.com/Laisky/file-ingest/library/log"
)

var objectCMD = &cobra.Command{
	Use:   "object",
	Short: "inspect or remove stored blobs",
	Args:  gcmd.NoExtraArgs,
}

var objectExistsCMD = &cobra.Command{
	Use:    "exists",
	Short:  "report whether the blob exists",
	Args:   gcmd.NoExtraArgs,
	PreRun: preRunInitialize,
	Run: func(cmd *cobra.Command, args []string) {
		parts, err := keyPartsFromFlags(cmd)
		if err != nil {
			log.Logger.Panic("parse flags", zap.Error(err))
		}
		c, err := buildComponents(cmd.Context(), pipeline.LoadSettingsFromConfig())
		if err != nil {
			log.Logger.Panic("build components", zap.Error(err))
		}
		defer c.Close()

		fmt.Printf("%s: %t\n", parts.Key(), c.svc.Exists(cmd.Context(), parts))
	},
}

var objectDeleteCMD = &cobra.Command{
	Use:    "delete",
	Short:  "delete the blob, succeeding when it is already absent",
	Args:   gcmd.NoExtraArgs,
	PreRun: preRunInitialize,
	Run: func(cmd *cobra.Command, args []string) {
		parts, err := keyPartsFromFlags(cmd)
		if err != nil {
			log.Logger.Panic("parse flags", zap.Error(err))
		}
		c, err := buildComponents(cmd.Context(), pipeline.LoadSettingsFromConfig())
		if err != nil {
			log.Logger.Panic("build components", zap.Error(err))
		}
		defer c.Close()

		if err = c.svc.DeleteByParts(cmd.Context(), parts); err != nil {
			log.Logger.Panic("delete", zap.Error(err), zap.String("blob_name", parts.Key()))
		}
		fmt.Printf("%s: deleted\n", parts.Key())
	},
}

func keyPartsFromFlags(cmd *cobra.Command) (pipeline.KeyParts, error) {
	var (
		parts pipeline.KeyParts
		err   error
	)
	flags := cmd.Flags()
	if parts.Category, err = flags.GetString("category"); err != nil {
		return parts, errors.WithStack(err)
	}
	if parts.ContentType, err = flags.GetString("content-type"); err != nil {
		return parts, errors.WithStack(err)
	}
	if parts.FileName, err = flags.GetString("file-name"); err != nil {
		return parts, errors.WithStack(err)
	}
	if parts.OriginalFileName, err = flags.GetString("original-file-name"); err != nil {
		return parts, errors.WithStack(err)
	}
	if parts.Category == "" || parts.FileName == "" {
		return parts, errors.New("--category and --file-name are required")
	}
	return parts, nil
}

func init() {
	rootCMD.AddCommand(objectCMD)
	for _, sub := range []*cobra.Command{objectExistsCMD, objectDeleteCMD} {
		objectCMD.AddCommand(sub)
		sub.Flags().String("category", "", "blob key category")
		sub.Flags().String("content-type", "", "content type the blob was stored with")
		sub.Flags().String("file-name", "", "file name, usually the file id")
		sub.Flags().String("original-file-name", "", "original file name, its extension ends the key")
	}
}
