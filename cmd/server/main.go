package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coliving-admin-auth/internal/config"
	"coliving-admin-auth/internal/factory"
	"coliving-admin-auth/internal/handler"
	"coliving-admin-auth/internal/util"
)

const runSweepInterval = time.Minute

func main() {
	// Initialize factory (which loads config and initializes all clients)
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()
	reportHealth(f)

	router, err := setupRouter(f)
	if err != nil {
		util.Fatal("Failed to build router", util.ErrorField(err))
	}

	background, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	backgroundDone := startBackground(background, f)

	var serverAddr string
	if cfg.Server.EnableTLS {
		serverAddr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
	} else {
		serverAddr = cfg.GetServerAddress()
	}

	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.Server.EnableTLS {
		server.TLSConfig = f.TLSManager().GetTLSConfig()

		// In production with AutoCert, handle redirect and cert management
		if cfg.IsProduction() && cfg.Server.AutoCert {
			startProductionServerWithAutoCert(f, server, cfg, stopBackground, backgroundDone)
			return
		}

		util.Info("Starting HTTPS server",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.TLSPort),
			util.Bool("auto_cert", cfg.Server.AutoCert),
		)
	} else {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
	}

	startServer(server, cfg)
	waitForShutdown(f, stopBackground, backgroundDone, server)
}

// reportHealth logs dependencies that are unreachable at startup. Kafka is
// optional, so nothing here stops the server.
func reportHealth(f *factory.Factory) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for name, err := range f.HealthCheck(ctx) {
		util.Warn("Dependency unhealthy at startup", util.String("dependency", name), util.ErrorField(err))
	}
}

// setupRouter creates the HTTP router with all handlers using Chi
func setupRouter(f *factory.Factory) (http.Handler, error) {
	adminHandler, err := f.AdminHandler()
	if err != nil {
		return nil, err
	}
	return handler.NewRouter(f.Config(), adminHandler, f.Registry(), f.HealthChecks(), util.Get()), nil
}

// startBackground runs the login run sweeper and, when enabled, the audit sink.
// The returned channel closes once both have stopped.
func startBackground(ctx context.Context, f *factory.Factory) <-chan struct{} {
	done := make(chan struct{})
	runs, err := f.RunRegistry()
	if err != nil {
		util.Fatal("Failed to build login run registry", util.ErrorField(err))
	}
	sink := f.AuditSink()
	if sink != nil {
		if err := sink.EnsureSchema(ctx); err != nil {
			util.Fatal("Failed to prepare audit sink", util.ErrorField(err))
		}
	}

	go func() {
		defer close(done)
		sinkDone := make(chan struct{})
		go func() {
			defer close(sinkDone)
			if sink == nil {
				return
			}
			if err := sink.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				util.Error("Audit sink stopped", util.ErrorField(err))
			}
		}()
		runs.Run(ctx, runSweepInterval)
		<-sinkDone
	}()
	return done
}

func startProductionServerWithAutoCert(f *factory.Factory, server *http.Server, cfg *config.Config, stopBackground context.CancelFunc, backgroundDone <-chan struct{}) {
	autoCertManager := f.TLSManager().GetAutocertManager()
	if autoCertManager == nil {
		util.Fatal("AutoCert manager is not available in production")
	}

	// HTTP server for ACME challenge and redirect only
	httpServer := &http.Server{
		Addr:              ":80",
		Handler:           autoCertManager.HTTPHandler(nil),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// HTTPS server for API
	httpsServer := &http.Server{
		Addr:         ":443",
		Handler:      server.Handler,
		TLSConfig:    server.TLSConfig,
		ReadTimeout:  server.ReadTimeout,
		WriteTimeout: server.WriteTimeout,
		IdleTimeout:  server.IdleTimeout,
	}

	go func() {
		util.Info("Starting HTTP redirect server on port 80")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Error("HTTP redirect server failed", util.ErrorField(err))
		}
	}()

	go func() {
		util.Info("Starting HTTPS server with AutoCert on port 443",
			util.String("domain", cfg.Server.Domain),
		)
		if err := httpsServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			util.Error("HTTPS AutoCert server failed", util.ErrorField(err))
		}
	}()

	waitForShutdown(f, stopBackground, backgroundDone, httpsServer, httpServer)
}

func startServer(server *http.Server, cfg *config.Config) {
	go func() {
		var err error
		if cfg.Server.EnableTLS {
			// Certificates come from TLSConfig.GetCertificate.
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			util.Fatal("Server failed to start", util.ErrorField(err))
		}
	}()

	util.Info("Server started successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.String("address", server.Addr),
	)
}

func waitForShutdown(f *factory.Factory, stopBackground context.CancelFunc, backgroundDone <-chan struct{}, servers ...*http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
		} else {
			util.Info("Server shutdown completed", util.String("address", srv.Addr))
		}
	}

	// Open login runs are signed out once no request can reach them.
	stopBackground()
	select {
	case <-backgroundDone:
	case <-ctx.Done():
		util.Warn("Background workers did not stop before the shutdown deadline")
	}
	f.Close()
}
