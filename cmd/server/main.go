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

	"security-core/internal/config"
	"security-core/internal/factory"
	"security-core/internal/handler"
	"security-core/internal/util"
)

func main() {
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()

	router := setupRouter(f)

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
		util.Info("Starting HTTPS server",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.TLSPort),
		)
	} else {
		util.Warn("Starting HTTP server, TLS is disabled",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
	}

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	if cfg.Monitor.Enabled {
		go func() {
			if err := f.Monitor().Run(monitorCtx); err != nil && !errors.Is(err, context.Canceled) {
				util.Error("Security monitor stopped", util.ErrorField(err))
			}
		}()
		util.Info("Security monitor running",
			util.Duration("poll_interval", cfg.Monitor.PollInterval),
			util.Duration("check_interval", cfg.Monitor.CheckInterval),
		)
	}

	startServer(f, server, cfg, stopMonitor)
}

func setupRouter(f *factory.Factory) http.Handler {
	securityHandler := handler.NewSecurityHandler(
		f.Limiter(), f.Guard(), f.SessionManager(), f.CSRFManager(), util.Get())
	adminHandler := handler.NewAdminHandler(
		f.Limiter(), f.Guard(), f.SessionManager(), f.Monitor(),
		f.BlockSchedule(), f.EventLogger(), f.ClickHouseSink(), util.Get())
	return handler.NewRouter(securityHandler, adminHandler, util.Get(), f.Config().Server.EnableTLS)
}

func startServer(f *factory.Factory, server *http.Server, cfg *config.Config, stopMonitor context.CancelFunc) {
	go func() {
		var err error
		if cfg.Server.EnableTLS {
			if cfg.Server.CertFile != "" && cfg.Server.KeyFile != "" {
				err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
			} else {
				err = server.ListenAndServeTLS("", "")
			}
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

	waitForShutdown(f, stopMonitor, server)
}

func waitForShutdown(f *factory.Factory, stopMonitor context.CancelFunc, servers ...*http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	stopMonitor()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range servers {
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
			} else {
				util.Info("Server shutdown completed")
			}
		}
	}
	f.Close()
	util.Sync()
}
