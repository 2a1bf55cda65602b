package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"flurry-plugin/analytics"
	"flurry-plugin/collector"
	"flurry-plugin/flurry"
	"flurry-plugin/plugin"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// runOptions are the flags of the run command
type runOptions struct {
	projectDir    string
	watch         bool
	collectorAddr string
	duration      time.Duration
}

// newRunCommand creates the run subcommand
func newRunCommand(opts *rootOptions) *cobra.Command {
	ro := runOptions{}

	cmd := &cobra.Command{
		Use:   "run [project-dir]",
		Short: "Run a Lua project with the Flurry analytics plugin",
		Long: `Run loads main.lua from the project directory (default ".") and keeps the
runtime alive until it calls native.requestExit(), the process is
interrupted, or --duration elapses.

Example:
  flurry-host run ./example --collector 127.0.0.1:8990
  flurry-host run ./game --watch --endpoint https://collector.example.com`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ro.projectDir = "."
			if len(args) == 1 {
				ro.projectDir = args[0]
			}

			cfg, err := opts.resolve(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runProject(cmd.Context(), cfg, ro)
		},
	}

	cmd.Flags().BoolVar(&ro.watch, "watch", false, "relaunch when .lua files or build.settings change")
	cmd.Flags().StringVar(&ro.collectorAddr, "collector", "", "also serve a collector on this address")
	cmd.Flags().DurationVar(&ro.duration, "duration", 0, "stop after this long (0 runs until exit)")

	return cmd
}

// newCollectCommand creates the collect subcommand
func newCollectCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Serve a development collector",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runCollector(cmd.Context(), cfg)
		},
	}
}

// signalContext is canceled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	// Handle shutdown gracefully
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			log.Printf("[host] Shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

func runCollector(ctx context.Context, cfg Config) error {
	ctx, cancel := signalContext(ctx)
	defer cancel()

	dataDir, err := getDataDir(cfg.DataDir)
	if err != nil {
		return err
	}

	srv, err := newCollector(cfg.Listen, dataDir)
	if err != nil {
		return err
	}
	defer srv.Close()

	return srv.Run(ctx)
}

func newCollector(addr, dataDir string) (*collector.Server, error) {
	return collector.New(collector.Config{
		Addr:       addr,
		DBPath:     filepath.Join(dataDir, collectorDBFile),
		Registerer: prometheus.DefaultRegisterer,
		Gatherer:   prometheus.DefaultGatherer,
	})
}

func runProject(ctx context.Context, cfg Config, ro runOptions) error {
	ctx, cancel := signalContext(ctx)
	defer cancel()

	if ro.duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, ro.duration)
		defer stop()
	}

	dataDir, err := getDataDir(cfg.DataDir)
	if err != nil {
		return err
	}

	// The embedded collector outlives the project so the final flush on
	// exit still has somewhere to go; it stops once the project returns.
	collectorCtx, stopCollector := context.WithCancel(context.Background())
	defer stopCollector()
	projectCtx, stopProject := context.WithCancel(ctx)
	defer stopProject()

	var srv *collector.Server
	if ro.collectorAddr != "" {
		srv, err = newCollector(ro.collectorAddr, dataDir)
		if err != nil {
			return err
		}
		defer srv.Close()

		if cfg.Endpoint == "" {
			cfg.Endpoint = "http://" + ro.collectorAddr
		}
	}

	store, err := analytics.OpenStore(filepath.Join(dataDir, queueDBFile))
	if err != nil {
		return err
	}
	defer store.Close()

	env := plugin.NewEnvironment(plugin.NewRegistry(), log.Default())
	loader := flurry.NewLoader(flurry.Options{
		Base: analytics.Config{
			Endpoint:      cfg.Endpoint,
			Store:         store,
			FlushInterval: cfg.FlushInterval,
			Registerer:    prometheus.DefaultRegisterer,
			Opener: func(dashboardURL string) error {
				log.Printf("[host] Privacy dashboard: %s", dashboardURL)
				return nil
			},
		},
	})
	if err := flurry.Register(env, loader); err != nil {
		return fmt.Errorf("failed to register %s: %w", flurry.PluginName, err)
	}

	if cfg.Endpoint == "" {
		log.Printf("[host] No endpoint configured, records stay queued in %s", dataDir)
	}

	var g errgroup.Group
	if srv != nil {
		g.Go(func() error {
			err := srv.Run(collectorCtx)
			if err != nil {
				stopProject()
			}
			return err
		})
	}
	g.Go(func() error {
		defer stopCollector()
		return superviseProject(projectCtx, env, ro.projectDir, ro.watch)
	})

	return g.Wait()
}

// superviseProject runs the project, relaunching it on changes when watch
// is set
func superviseProject(ctx context.Context, env *plugin.Environment, projectDir string, watch bool) error {
	var changes <-chan struct{}
	if watch {
		w, err := NewProjectWatcher(projectDir, relaunchDebounce)
		if err != nil {
			return fmt.Errorf("failed to watch %s: %w", projectDir, err)
		}
		defer w.Close()
		changes = w.Changes()
		log.Printf("[host] Watching %s for changes", projectDir)
	}

	for {
		relaunch, err := runOnce(ctx, env, projectDir, changes)
		if err != nil || !relaunch {
			return err
		}
		log.Printf("[host] Project changed, relaunching")
	}
}

// runOnce runs one runtime until it exits, ctx is done, or changes fires.
// It reports whether the project should be relaunched.
func runOnce(ctx context.Context, env *plugin.Environment, projectDir string, changes <-chan struct{}) (bool, error) {
	rt, err := env.NewRuntime(projectDir)
	if err != nil {
		if changes == nil {
			return false, err
		}
		log.Printf("[host] %v", err)
		return waitForChange(ctx, changes), nil
	}
	defer rt.Close()

	if settings := rt.Settings(); settings != nil && len(settings.Plugins) > 0 {
		log.Printf("[host] %s declares plugins: %s", plugin.BuildSettingsFile, strings.Join(settings.PluginNames(), ", "))
	}

	if err := rt.Start(); err != nil {
		if changes == nil {
			return false, err
		}
		// A broken main.lua waits for the next edit
		log.Printf("[host] Failed to start %s: %v", projectDir, err)
		return waitForChange(ctx, changes), nil
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	done := make(chan error, 1)
	go func() {
		done <- rt.Run(runCtx)
	}()

	select {
	case err := <-done:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false, nil
		}
		return false, err
	case <-changes:
		stop()
		<-done
		return true, nil
	}
}

func waitForChange(ctx context.Context, changes <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case <-changes:
		return true
	}
}
