package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // profiling endpoints, enabled only when --enable-pprof is set
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/pious-pds/pkg/cache"
	"github.com/cuemby/pious-pds/pkg/datamgr"
	"github.com/cuemby/pious-pds/pkg/dispatcher"
	"github.com/cuemby/pious-pds/pkg/lockmgr"
	"github.com/cuemby/pious-pds/pkg/log"
	"github.com/cuemby/pious-pds/pkg/metrics"
	"github.com/cuemby/pious-pds/pkg/profiler"
	"github.com/cuemby/pious-pds/pkg/recovery"
	"github.com/cuemby/pious-pds/pkg/ssm"
	"github.com/cuemby/pious-pds/pkg/transport/tcp"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "piousd LOGDIR",
	Short: "piousd - a PIOUS parallel data server",
	Long: `piousd runs a single PIOUS parallel data server (PDS) process: the
request dispatcher, lock manager, data manager, cache manager, and
stable storage manager described by the PDS design, serving concurrent
transactional clients over a byte-range file API.

LOGDIR is the only required argument: the directory holding the file
handle database, transaction log, and the data files this server owns.`,
	Version: Version,
	Args:    cobra.ExactArgs(1),
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"piousd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.Flags().String("listen", "127.0.0.1:9521", "Address to accept PDS client connections on")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9522", "Address to serve /metrics, /health, /ready, /live on")
	rootCmd.Flags().Int("cache-size", 256, "Number of cache-manager blocks (spec §3)")
	rootCmd.Flags().Int("block-size", 8192, "Cache manager block size in bytes")
	rootCmd.Flags().Int("fic-size", 512, "File information cache entry count (spec §4.1)")
	rootCmd.Flags().Duration("deadlock-interval", dispatcher.DefaultDeadlockInterval, "T_dead, the deadlock-avoidance sweep interval (spec §4.6)")
	rootCmd.Flags().Bool("profile", false, "Write a per-operation profile trace to LOGDIR (spec §6.a)")
	rootCmd.Flags().Bool("enable-pprof", false, "Expose net/http/pprof endpoints on metrics-addr")
	rootCmd.Flags().Uint64("host-id", 0, "This server's host id, used in the profile trace file name")
	rootCmd.Flags().Bool("recover", false, "Replay a non-empty TLOG before starting (spec §4.4, O1) instead of refusing to start")

	recoverCmd.Flags().Int("fic-size", 512, "File information cache entry count (spec §4.1)")
	rootCmd.AddCommand(recoverCmd)

	cobra.OnInitialize(initLogging)
}

var recoverCmd = &cobra.Command{
	Use:   "recover LOGDIR",
	Short: "Replay a non-empty TLOG and exit, without serving",
	Long: `recover runs the same No-Undo/Redo replay "piousd --recover" would run
before serving, then exits: every committed transaction's writes are
redone directly against stable storage and the TLOG is truncated. Use
this to prepare a log directory for a plain "piousd LOGDIR" start
after an unclean shutdown left committed-but-uncompacted records
behind (spec §4.4, O1).`,
	Args: cobra.ExactArgs(1),
	RunE: runRecover,
}

func runRecover(cmd *cobra.Command, args []string) error {
	logdir := args[0]
	ficSize, _ := cmd.Flags().GetInt("fic-size")

	ss, err := ssm.Recover(logdir, ficSize, log.Logger)
	if err != nil {
		return fmt.Errorf("recovering %s: %w", logdir, err)
	}
	defer ss.Close()

	fmt.Printf("%s: recovery complete, TLOG truncated\n", logdir)
	return nil
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	logdir := args[0]

	listenAddr, _ := cmd.Flags().GetString("listen")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	cacheSize, _ := cmd.Flags().GetInt("cache-size")
	blockSize, _ := cmd.Flags().GetInt("block-size")
	ficSize, _ := cmd.Flags().GetInt("fic-size")
	deadlockInterval, _ := cmd.Flags().GetDuration("deadlock-interval")
	doProfile, _ := cmd.Flags().GetBool("profile")
	pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")
	hostID, _ := cmd.Flags().GetUint64("host-id")
	doRecover, _ := cmd.Flags().GetBool("recover")

	ss, err := ssm.Open(logdir, ficSize, log.Logger)
	if errors.Is(err, ssm.ErrRecoveryRequired) {
		if !doRecover {
			return fmt.Errorf("%s: TLOG is non-empty; rerun with --recover, or run piousd recover %s first (spec §4.4, O1): %w", logdir, logdir, err)
		}
		log.Logger.Warn().Str("logdir", logdir).Msg("TLOG non-empty at startup, replaying before serving")
		ss, err = ssm.Recover(logdir, ficSize, log.Logger)
	}
	if err != nil {
		return fmt.Errorf("opening stable storage manager: %w", err)
	}
	defer ss.Close()

	lm := lockmgr.New()
	cm := cache.New(cacheSize, blockSize, ss)
	rm := recovery.New(ss)
	dm := datamgr.New(cm, rm)

	collector := metrics.NewCollector()
	sampler := &metrics.CacheSampler{}

	var prof *profiler.Profiler
	if doProfile {
		path := filepath.Join(logdir, profiler.FileName(hostID))
		prof, err = profiler.Open(path)
		if err != nil {
			return fmt.Errorf("opening profile trace: %w", err)
		}
		defer prof.Close()
		fmt.Printf("Profile trace: %s\n", path)
	}

	var profForDispatcher dispatcher.Profiler
	if prof != nil {
		profForDispatcher = prof
	}

	srv := dispatcher.New(lm, cm, ss, dm, rm, log.Logger, collector, profForDispatcher)
	srv.SetDeadlockInterval(deadlockInterval)

	l, err := tcp.Listen(listenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listenAddr, err)
	}
	defer l.Close()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("ssm", true, "")
	metrics.RegisterComponent("dispatcher", true, "")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	if pprofEnabled {
		mux.Handle("/debug/pprof/", http.DefaultServeMux)
	}
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cacheSampleTicker := time.NewTicker(deadlockInterval)
	defer cacheSampleTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-cacheSampleTicker.C:
				hits, misses, evictions := cm.Stats()
				sampler.Sample(hits, misses, evictions)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ctx, l); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	fmt.Printf("piousd serving %s on %s\n", logdir, listenAddr)
	fmt.Printf("Metrics: http://%s/metrics  Health: http://%s/health\n", metricsAddr, metricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\ndispatcher error: %v\n", err)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)

	fmt.Println("Shutdown complete")
	return nil
}
