package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"locallibrary/internal/auth"
	"locallibrary/internal/catalog"
	"locallibrary/internal/circulation"
	"locallibrary/internal/httpapi"
	"locallibrary/internal/notify"
	"locallibrary/internal/telemetry"
)

const defaultTokenSecret = "locallibrary-dev-secret"

func newServeCmd(a *app) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply database migrations before serving")
	return cmd
}

func (a *app) serve(parent context.Context, migrate bool) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.Auth.TokenSecret == defaultTokenSecret {
		a.logger.Warn("using the development token secret, set LIBRARY_TOKEN_SECRET")
	}

	tel, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:   a.cfg.Telemetry.ServiceName,
		TraceExporter: a.cfg.Telemetry.Exporter,
		OTLPEndpoint:  a.cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:  a.cfg.Telemetry.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			a.logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	store, closeStore, err := a.openBackend(ctx, migrate)
	if err != nil {
		return err
	}
	defer closeStore()

	handler := httpapi.NewRouter(httpapi.Deps{
		Auth: auth.NewService(store, a.authConfig(), a.logger),
		Catalog: catalog.NewService(store,
			catalog.WithLogger(a.logger),
			catalog.WithMailer(a.mailer()),
			catalog.WithMediaRoot(a.cfg.Library.MediaRoot),
			catalog.WithPageSize(a.cfg.Library.SearchPageSize),
		),
		Circulation: circulation.NewService(store,
			circulation.WithLogger(a.logger),
			circulation.WithPageSize(a.cfg.Library.DashboardPageSize),
			circulation.WithRetry(a.cfg.Library.LoanRetries, 10*time.Millisecond),
			circulation.WithMeter(tel.Meter("locallibrary/internal/circulation")),
		),
		Store:      store,
		Logger:     a.logger,
		Metrics:    tel.MetricsHandler(),
		Registerer: tel.Registry,
	})

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", srv.Addr, "driver", a.cfg.Database.Driver)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down", "timeout", a.cfg.Server.ShutdownTimeout.String())
	sctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

func (a *app) mailer() catalog.Mailer {
	m := a.cfg.Mail
	if m.Host == "" {
		return notify.LogSender{Logger: a.logger}
	}
	return notify.NewSMTPSender(notify.Config{
		Host:            m.Host,
		Port:            m.Port,
		Username:        m.Username,
		Password:        m.Password,
		From:            m.From,
		BreakerFailures: m.BreakerFailures,
		BreakerTimeout:  m.BreakerTimeout,
	}, a.logger)
}
