package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"flurry-plugin/analytics"
	"flurry-plugin/flurry"

	"github.com/spf13/cobra"
)

// rootOptions holds the persistent flags shared by every subcommand
type rootOptions struct {
	configPath    string
	dataDir       string
	endpoint      string
	flushInterval time.Duration
	listen        string
}

// main is the entry point of the application
func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Lua runtime host for the Flurry analytics plugin",
		Long: `flurry-host runs Lua projects that require plugin.flurry.analytics and
uploads the recorded analytics to a collector.

The collect command runs a local collector that the plugin can upload to
during development.`,
		Version: fmt.Sprintf("%s (agent %s)", flurry.Version, analytics.ReleaseVersion),
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	flags.StringVar(&opts.dataDir, "data-dir", "", "directory for the record databases")
	flags.StringVar(&opts.endpoint, "endpoint", "", "collector base URL")
	flags.DurationVar(&opts.flushInterval, "flush-interval", defaultFlushInterval, "how often queued records are uploaded")
	flags.StringVar(&opts.listen, "listen", defaultListen, "collector listen address")

	// Add subcommands
	rootCmd.AddCommand(newRunCommand(opts))
	rootCmd.AddCommand(newCollectCommand(opts))

	return rootCmd
}

// resolve loads the configuration file and applies the flags the user set
func (o *rootOptions) resolve(cmd *cobra.Command) (Config, error) {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir = o.dataDir
	}
	if flags.Changed("endpoint") {
		cfg.Endpoint = o.endpoint
	}
	if flags.Changed("flush-interval") {
		cfg.FlushInterval = o.flushInterval
	}
	if flags.Changed("listen") {
		cfg.Listen = o.listen
	}

	return cfg, cfg.validate()
}
