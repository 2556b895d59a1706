package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/mmynk/splitledger/internal/auth"
	"github.com/mmynk/splitledger/internal/remote"
	"github.com/mmynk/splitledger/pkg/logging"
)

func newDevRemoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev-remote",
		Short: "Run an in-memory remote service for local testing",
		Long: `Run the reference remote service with in-memory storage.

With a JWT secret (--jwt-secret or [remote] jwt_secret) every mutation must
carry a bearer token. Use --mint-token to print a token for a user and exit.`,
		Args: cobra.NoArgs,
		RunE: runDevRemote,
	}

	cmd.Flags().String("addr", "", "listen address (default from config)")
	cmd.Flags().String("jwt-secret", "", "HMAC secret for bearer tokens")
	cmd.Flags().String("mint-token", "", "print a token for this user ID and exit")

	return cmd
}

func runDevRemote(cmd *cobra.Command, _ []string) error {
	cfg := resolvedCfg
	logger := logging.Setup(cfg.LogLevel)

	addr := cfg.Remote.Addr
	if cmd.Flags().Changed("addr") {
		addr, _ = cmd.Flags().GetString("addr")
	}
	secret := cfg.Remote.JWTSecret
	if cmd.Flags().Changed("jwt-secret") {
		secret, _ = cmd.Flags().GetString("jwt-secret")
	}
	mintFor, _ := cmd.Flags().GetString("mint-token")

	var opts []remote.ServerOption
	if secret != "" {
		jwtManager := auth.NewJWTManager(secret, cfg.TokenDuration())
		if mintFor != "" {
			token, err := jwtManager.Generate(mintFor)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		}
		opts = append(opts, remote.WithAuth(jwtManager))
	} else if mintFor != "" {
		return errors.New("--mint-token needs a JWT secret")
	}

	server := remote.NewServer(logger, opts...)

	// h2c serves HTTP/2 without TLS, which Connect clients expect.
	handler := h2c.NewHandler(loggingMiddleware(logger, corsMiddleware(server.Handler())), &http2.Server{})
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx := shutdownContext(cmd.Context(), logger)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Dev remote starting",
			"address", addr,
			"auth", secret != "",
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("dev remote: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// loggingMiddleware logs all incoming requests.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		logger.Debug("Request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// corsMiddleware adds CORS headers for browser access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers",
			"Authorization, Content-Type, Connect-Protocol-Version, Connect-Timeout-Ms")
		w.Header().Set("Access-Control-Expose-Headers", "Connect-Protocol-Version, Connect-Timeout-Ms")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
