package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"storyline/internal/server"
)

func (c *cli) serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only HTTP API and deliver webhooks",
		Long: `Serves status, dispatch records, locks and the event journal under the base
path. Every route except health and the OpenAPI document needs an HS256
bearer token signed with STORYLINE_JWT_SECRET; 'sl serve token' mints one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := c.v.GetString("jwt-secret")
			if secret == "" {
				return exitf(exitFailure, "STORYLINE_JWT_SECRET is required for bearer auth")
			}
			a, err := c.open(false)
			if err != nil {
				return err
			}
			defer a.Close()
			st, err := a.Status()
			if err != nil {
				return exitf(exitFailure, "serve: %v", err)
			}
			j, err := a.Journal(cmd.Context())
			if err != nil {
				return exitf(exitFailure, "serve: %v", err)
			}
			handler, err := server.New(server.Config{
				Status:   st,
				Planner:  a.Planner,
				Registry: a.Registry,
				Signals:  a.Signals,
				Events:   j.Repo,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret},
				Logger:   c.logger,
			})
			if err != nil {
				return exitf(exitFailure, "serve: %v", err)
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			hooks := server.NewWebhookDispatcher(j.Repo, a.Config.Webhooks, a.Instance, c.logger)
			go hooks.Run(ctx)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				srv.Shutdown(sctx)
			}()
			fmt.Fprintf(cmd.OutOrStdout(), "Serving storyline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return exitf(exitFailure, "serve: %v", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.PersistentFlags().String("jwt-secret", "", "HS256 secret (env STORYLINE_JWT_SECRET)")
	_ = c.v.BindPFlag("jwt-secret", cmd.PersistentFlags().Lookup("jwt-secret"))

	var subject string
	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token",
		Short: "Print a bearer token for the API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := server.IssueToken(c.v.GetString("jwt-secret"), subject, ttl)
			if err != nil {
				return exitf(exitFailure, "serve token: %v", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	token.Flags().StringVar(&subject, "subject", "sl", "token subject")
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for none")
	cmd.AddCommand(token)
	return cmd
}
