package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	offline "github.com/always-cache/offline-cache"
	syncmanager "github.com/always-cache/offline-cache/pkg/sync-manager"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// validFormats are the output formats of the listing commands.
var validFormats = []string{"text", "json"}

func checkFormat(format string) error {
	for _, f := range validFormats {
		if f == format {
			return nil
		}
	}
	return fmt.Errorf("invalid format %q: must be one of %v", format, validFormats)
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Proxy requests to the origin",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, config, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer app.Close()
			if app.Proxy == nil {
				return errors.New("please specify origin")
			}

			server := &http.Server{
				Addr:    fmt.Sprintf(":%d", port),
				Handler: app.Proxy,
			}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", port, config.Origin, config.Host)
				if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})
			err = g.Wait()
			app.Proxy.Wait()
			return err
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	return cmd
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay the queued requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, config, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer app.Close()

			err = app.Sync.Sync(cmd.Context(), config.Preflight.SyncOptions())
			if se, ok := syncmanager.AsSyncError(err); ok {
				log.Error().Str("requestId", se.RequestID).Str("kind", string(se.Kind)).Msg("Request failed, sync stopped")
			}
			if err != nil {
				return err
			}
			entries, err := app.Sync.GetSyncLog(cmd.Context())
			if err != nil {
				return err
			}
			log.Info().Int("remaining", len(entries)).Msg("Sync finished")
			return nil
		},
	}
}

func newLogCommand(opts *rootOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "log",
		Short: "List the queued requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			app, _, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer app.Close()

			entries, err := app.Sync.GetSyncLog(cmd.Context())
			if err != nil {
				return err
			}
			queued := make([]offline.QueuedRequest, 0, len(entries))
			for _, e := range entries {
				queued = append(queued, offline.QueuedRequest{RequestID: e.RequestID, Method: e.Request.Method, URL: e.Request.URL.String()})
			}
			out := cmd.OutOrStdout()
			if format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(queued)
			}
			for _, q := range queued {
				fmt.Fprintf(out, "%s\t%s\t%s\n", q.RequestID, q.Method, q.URL)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format (json|text)")
	return cmd
}

func newStoresCommand(opts *rootOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "stores",
		Short: "List the stores and their versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			app, _, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer app.Close()

			metadata, err := app.Stores.GetStoresMetadata(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(metadata)
			}
			names := make([]string, 0, len(metadata))
			for name := range metadata {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(out, "%s\t%v\n", name, metadata[name].Versions)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format (json|text)")
	return cmd
}

func newDiscardCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <request-id>",
		Short: "Remove a queued request without replaying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, _, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer app.Close()

			removed, err := app.Sync.RemoveRequest(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if removed == nil {
				return fmt.Errorf("request %s is not queued", args[0])
			}
			log.Info().Str("requestId", args[0]).Str("method", removed.Method).Str("url", removed.URL).Msg("Discarded request")
			return nil
		},
	}
}
