package cmd

import (
	gconfig "github.com/Laisky/go-config/v2"
	gcmd "github.com/Laisky/go-utils/v6/cmd"
	"github.com/Laisky/zap"
	"github.com/spf13/cobra"

	"github.com/Laisky/file-ingest/internal/ingest/pipeline"
	"github.com/Laisky/file-ingest/internal/web"
	"github.com/Laisky/file-ingest/library/log"
)

var apiCMD = &cobra.Command{
	Use:    "api",
	Short:  "api",
	Long:   `HTTP upload service`,
	Args:   gcmd.NoExtraArgs,
	PreRun: preRunInitialize,
	Run: func(cmd *cobra.Command, args []string) {
		settings := pipeline.LoadSettingsFromConfig()
		c, err := buildComponents(cmd.Context(), settings)
		if err != nil {
			log.Logger.Panic("build components", zap.Error(err))
		}
		defer c.Close()

		opt := web.Options{
			Ingester:    c.svc,
			Upload:      settings.Upload,
			CORSDomains: gconfig.Shared.GetStringSlice("settings.web.cors_domains"),
		}
		if c.registry != nil {
			opt.Registry = c.registry
		}
		if c.scanner != nil {
			opt.Scanner = c.scanner
		}
		if c.redis != nil {
			opt.Redis = c.redis
		}
		if opt.Throttle, err = newUploadThrottle(); err != nil {
			log.Logger.Panic("new upload throttle", zap.Error(err))
		}

		web.RunServer(gconfig.Shared.GetString("listen"), opt)
	},
}

// newUploadThrottle builds the upload throttle from settings.web.throttle,
// it returns nil when total_per_sec is unset.
func newUploadThrottle() (*web.UploadThrottle, error) {
	cfg := web.ThrottleCfg{
		TotalNPerSec:      gconfig.Shared.GetInt("settings.web.throttle.total_per_sec"),
		TotalBurst:        gconfig.Shared.GetInt("settings.web.throttle.total_burst"),
		EachClientNPerSec: gconfig.Shared.GetInt("settings.web.throttle.each_client_per_sec"),
		EachClientBurst:   gconfig.Shared.GetInt("settings.web.throttle.each_client_burst"),
	}
	if cfg.TotalNPerSec <= 0 {
		return nil, nil
	}
	if cfg.EachClientNPerSec <= 0 {
		cfg.EachClientNPerSec = cfg.TotalNPerSec
	}
	cfg.TotalBurst = max(cfg.TotalBurst, cfg.TotalNPerSec)
	cfg.EachClientBurst = max(cfg.EachClientBurst, cfg.EachClientNPerSec)

	return web.NewUploadThrottle(cfg)
}

func init() {
	rootCMD.AddCommand(apiCMD)
}
