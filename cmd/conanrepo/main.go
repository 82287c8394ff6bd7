// Command conanrepo serves the Conan package repository core over HTTP and
// provides operator subcommands for the revision indexer.
//
// The CLI surface is built on cobra, with subcommands for serve, reindex,
// and lock.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/conanrepo/core/auth"
	"github.com/conanrepo/core/conanhttp"
	"github.com/conanrepo/core/lock"
	"github.com/conanrepo/core/path"
	"github.com/conanrepo/core/revindex"
	storagefs "github.com/conanrepo/core/storage/fs"
)

// Buildtime variables, set with -ldflags.
var (
	Program = "conanrepo"
	Commit  = "0000000"
	Version = "0.0.0"
)

func main() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     Program,
		Short:   "conanrepo serves the Conan package repository protocol",
		Version: fmt.Sprintf("%s (%s)", Version, Commit),
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newReindexCmd())
	root.AddCommand(newLockCmd())

	return root
}

func newServeCmd() *cobra.Command {
	var (
		fsRoot      string
		httpAddress string
		providerDir string
		metricsPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds)

			store, err := storagefs.New(fsRoot)
			if err != nil {
				return fmt.Errorf("opening fs store: %w", err)
			}

			checker, err := resolveChecker(providerDir)
			if err != nil {
				return fmt.Errorf("loading auth policy: %w", err)
			}

			metrics := conanhttp.NewMetrics(Program)
			reg := prometheus.NewRegistry()
			metrics.MustRegister(reg)

			router := conanhttp.NewRouter(store,
				conanhttp.WithChecker(checker),
				conanhttp.WithMetrics(metrics),
				conanhttp.WithLogger(logger),
			)

			mux := http.NewServeMux()
			mux.Handle(metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			mux.Handle("/", router)

			logger.Printf("%s %s listening on %s", Program, Version, httpAddress)
			return http.ListenAndServe(httpAddress, mux)
		},
	}

	cmd.Flags().StringVar(&fsRoot, "fs.root", "/tmp/conanrepo", "blob store root directory")
	cmd.Flags().StringVar(&httpAddress, "http.addr", ":9300", "HTTP listen address")
	cmd.Flags().StringVar(&providerDir, "provider.dir", "", "directory of *.conanpolicy files (empty: allow everything)")
	cmd.Flags().StringVar(&metricsPath, "metrics.path", "/metrics", "metrics endpoint path")

	return cmd
}

func newReindexCmd() *cobra.Command {
	var (
		fsRoot  string
		name    string
		version string
		user    string
		channel string
	)

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the revision index for one coordinate",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storagefs.New(fsRoot)
			if err != nil {
				return fmt.Errorf("opening fs store: %w", err)
			}

			metrics := conanhttp.NewMetrics(Program)
			reg := prometheus.NewRegistry()
			metrics.MustRegister(reg)

			coord := path.NewCoordinate(name, version, user, channel)
			idx := revindex.New(store, coord).WithObserver(metrics)

			ctx := cmd.Context()
			recipeRevs, err := idx.FullIndexUpdate(ctx)
			if err != nil {
				if failures, ok := err.(*revindex.FullUpdateError); ok {
					for key, ferr := range failures.Failures {
						fmt.Fprintf(cmd.ErrOrStderr(), "reindex: %s: %v\n", key, ferr)
					}
				} else {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recipe revisions: %v\n", recipeRevs)
			return nil
		},
	}

	cmd.Flags().StringVar(&fsRoot, "fs.root", "/tmp/conanrepo", "blob store root directory")
	cmd.Flags().StringVar(&name, "name", "", "package name")
	cmd.Flags().StringVar(&version, "version", "", "package version")
	cmd.Flags().StringVar(&user, "user", path.DefaultSegment, "package user")
	cmd.Flags().StringVar(&channel, "channel", path.DefaultSegment, "package channel")

	return cmd
}

func newLockCmd() *cobra.Command {
	var (
		fsRoot string
		key    string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Acquire and immediately release a storage lock, for operator diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storagefs.New(fsRoot)
			if err != nil {
				return fmt.Errorf("opening fs store: %w", err)
			}

			handle, err := lock.Acquire(cmd.Context(), store, key, ttl)
			if err != nil {
				return fmt.Errorf("acquiring lock on %q: %w", key, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "acquired lock on %q\n", key)
			return handle.Release(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&fsRoot, "fs.root", "/tmp/conanrepo", "blob store root directory")
	cmd.Flags().StringVar(&key, "key", "", "coordinate key to lock")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "lock TTL (0: use the default)")

	return cmd
}

func resolveChecker(providerDir string) (auth.Checker, error) {
	if providerDir == "" {
		return auth.Free{}, nil
	}
	return auth.NewDiskProvider(providerDir)
}
