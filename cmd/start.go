package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"grimm.is/bastion/internal/audit"
	"grimm.is/bastion/internal/brand"
	"grimm.is/bastion/internal/config"
	"grimm.is/bastion/internal/logging"
	"grimm.is/bastion/internal/metrics"
	"grimm.is/bastion/internal/policy"
	"grimm.is/bastion/internal/proxy"
)

const (
	statsInterval = time.Minute
	pruneInterval = time.Hour
)

func newStartCommand(policyFile func() string) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Load the policy and serve intercepted connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runStart(ctx, policyFile(), debug)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "Log at debug level regardless of the policy")
	return cmd
}

func runStart(ctx context.Context, path string, debug bool) error {
	reg := metrics.Get()

	cfg, err := config.LoadFile(path)
	if err != nil {
		reg.RecordConfigLoad(err)
		return fmt.Errorf("policy %s: %w", path, err)
	}

	logger, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()
	if debug {
		logger.SetLevel(logging.LevelDebug)
	}
	logging.SetDefault(logger)
	log := logger.WithComponent("start")

	p, err := policy.Build(cfg, policy.Options{
		Observer: reg,
		Logger:   logger.WithComponent("policy"),
	})
	reg.RecordConfigLoad(err)
	if err != nil {
		return err
	}
	for _, s := range p.ShadowedRules() {
		log.Warn("rule can never match", "rule", s.Rule.ID, "shadowed_by", s.By.ID)
	}
	log.Info("policy loaded", "path", path, "listeners", len(cfg.Listeners),
		"services", len(p.Services), "rules", len(p.Rules))

	collector := metrics.NewCollector(reg, logger.WithComponent("metrics"), nil, statsInterval)
	go collector.Start(ctx)

	opts := proxy.Options{
		Logger:  logger.WithComponent("proxy"),
		Metrics: collector,
	}

	if cfg.Audit != nil && cfg.Audit.Enabled {
		store, err := audit.NewStore(auditPath(cfg), cfg.Audit.RetentionDays, nil)
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}
		defer store.Close()
		opts.Audit = store
		go pruneLoop(ctx, store, log)
	}

	if cfg.Metrics != nil {
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: metricsMux(reg), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.Info("metrics endpoint started", "address", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics endpoint failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	server := proxy.NewServer(p, opts)
	if err := server.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	<-ctx.Done()
	log.Info("shutting down, waiting for connections to finish")
	server.Wait()
	return nil
}

func metricsMux(reg *metrics.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok\n")
	})
	return mux
}

// newLogger builds the process logger from the policy's log block.
func newLogger(cfg *config.LogConfig) (*logging.Logger, func(), error) {
	lc := logging.DefaultConfig()
	closer := func() {}
	if cfg == nil {
		return logging.New(lc), closer, nil
	}

	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, closer, err
	}
	lc.Level = level
	lc.JSON = cfg.JSON

	if s := cfg.Syslog; s != nil {
		w, err := logging.NewSyslogWriter(logging.SyslogConfig{
			Host:     s.Host,
			Port:     s.Port,
			Protocol: s.Protocol,
			Tag:      s.Tag,
		})
		if err != nil {
			return nil, closer, fmt.Errorf("failed to connect to syslog: %w", err)
		}
		lc.Output = io.MultiWriter(os.Stderr, w)
		closer = func() { w.Close() }
	}
	return logging.New(lc), closer, nil
}

func auditPath(cfg *config.Config) string {
	if cfg.Audit != nil && cfg.Audit.DatabasePath != "" {
		return cfg.Audit.DatabasePath
	}
	return filepath.Join(brand.GetStateDir(), "audit.db")
}

func pruneLoop(ctx context.Context, store *audit.Store, log *logging.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		if n, err := store.Prune(); err != nil {
			log.Warn("audit prune failed", "error", err)
		} else if n > 0 {
			log.Info("pruned audit records", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
