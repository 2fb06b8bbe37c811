package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/spf13/cobra"

	"swcache/internal/swcache"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "swcache",
		Short:        "Offline cache manager for the residency site",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", getenvDefault("SWCACHE_CONFIG", "/swcache.yaml"), "path to swcache.yaml")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Install, activate and serve requests through the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "caches",
		Short: "List cache namespaces and their entry counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listCaches(cmd, configPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "purge NAME",
		Short: "Delete a cache namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return purgeCache(cmd, configPath, args[0])
		},
	})
	return root
}

func loadConfig(path string) (swcache.Config, *slog.Logger, error) {
	cfg, err := swcache.LoadConfig(path)
	if err != nil {
		return swcache.Config{}, nil, err
	}
	logger, err := swcache.NewLogger(cfg, os.Stderr)
	if err != nil {
		return swcache.Config{}, nil, err
	}
	return cfg, logger, nil
}

func serve(ctx context.Context, configPath string) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		return err
	}
	slog.SetDefault(logger)

	mgr, err := swcache.NewManager(cfg, swcache.WithLogger(logger))
	if err != nil {
		logger.Error("init manager", slog.Any("error", err))
		return err
	}
	defer mgr.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("listen", slog.String("addr", addr), slog.Any("error", err))
		return err
	}

	srv := &http.Server{
		Handler:           mgr.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Requests pass straight through until activation completes. Close
	// waits for the install to stop before closing storage.
	started := mgr.StartInBackground(ctx)
	go func() {
		if err := <-started; err != nil {
			logger.Error("cache not activated, serving without it", slog.Any("error", err))
		}
	}()

	go func() {
		logger.Info("swcache listening", slog.String("addr", addr), slog.String("scope", cfg.Scope().String()))
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStorage(configPath string) (swcache.Config, *swcache.CacheStorage, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return swcache.Config{}, nil, err
	}
	st, err := swcache.OpenStorage(cfg.Storage.Path, 0, nil)
	if err != nil {
		return swcache.Config{}, nil, err
	}
	return cfg, st, nil
}

func listCaches(cmd *cobra.Command, configPath string) error {
	cfg, st, err := openStorage(configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	current := map[string]bool{
		cfg.Caches.Static.String(): true,
		cfg.Caches.Media.String():  true,
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tENTRIES\tCURRENT")
	for _, name := range st.Keys() {
		ns, err := st.Open(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\t%t\n", name, ns.Len(), current[name])
	}
	return tw.Flush()
}

func purgeCache(cmd *cobra.Command, configPath, name string) error {
	_, st, err := openStorage(configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ok, err := st.Delete(name)
	if err != nil {
		return err
	}
	if !ok {
		return errors.WithContext(errors.New(errors.CodeNotFound, "no such cache"), "cache", name)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
	return nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
