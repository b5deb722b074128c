package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/gkatanacio/hyperdl/config"
)

var (
	configFile string
	v          = config.NewViper()
)

var rootCmd = &cobra.Command{
	Use:          "hyperdl",
	Short:        "Download accelerator that fetches one remote object over a pool of authenticated sessions in parallel.",
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (YAML, TOML or JSON)")
	flags.IntP("parts", "p", 0, "number of parts the object is split into")
	flags.String("chunk-size", "", "bytes per read/write of a part, e.g. 512KiB")
	flags.StringP("dir", "d", "", "directory downloads are stored in")
	flags.Duration("progress-interval", 0, "interval between progress updates")
	flags.String("rate-limit", "", "bandwidth cap per download, e.g. 10MB (0 = unlimited)")
	flags.Int("retries", 0, "retries of a part after a transient stream error")
	flags.String("base-url", "", "base URL objects are served from")
	flags.StringSlice("token", nil, "session token, repeat once per session")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("debug", false, "debug logging to the console")

	for key, flag := range map[string]string{
		"num_parts":         "parts",
		"chunk_size":        "chunk-size",
		"download_dir":      "dir",
		"progress_interval": "progress-interval",
		"rate_limit":        "rate-limit",
		"retry.attempts":    "retries",
		"sessions.base_url": "base-url",
		"sessions.tokens":   "token",
		"logging.level":     "log-level",
		"logging.debug":     "debug",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	rootCmd.AddCommand(getCmd, statCmd)
}
