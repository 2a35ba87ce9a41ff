// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// proxy-manager is the data-plane daemon: a dynamic reverse proxy
// for HTTP(S) and L4 streams, reconfigured at runtime through a
// thin control plane.
package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/DDULDDUCK/proxy-manager/acme"
	"github.com/DDULDDUCK/proxy-manager/api"
	"github.com/DDULDDUCK/proxy-manager/certs"
	"github.com/DDULDDUCK/proxy-manager/db"
	"github.com/DDULDDUCK/proxy-manager/proxy"
	"github.com/DDULDDUCK/proxy-manager/settings"
	"github.com/DDULDDUCK/proxy-manager/state"
	"github.com/DDULDDUCK/proxy-manager/streams"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "proxy-manager",
		Short:         "Dynamic reverse proxy with a runtime control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCommand(), versionCommand())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func runCommand() *cobra.Command {
	var settingsPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the data plane and control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(settingsPath)
		},
	}
	addRunFlags(cmd.Flags(), &settingsPath)
	return cmd
}

func addRunFlags(flags *pflag.FlagSet, settingsPath *string) {
	flags.StringVarP(settingsPath, "config", "c", "proxy-manager.toml", "path to the settings file")
}

func run(settingsPath string) error {
	cfg, err := settings.Load(settingsPath)
	if err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting proxy-manager", zap.String("version", version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.DBPath, logger.Named("db"))
	if err != nil {
		return err
	}
	defer database.Close()

	// routing snapshot and initial load
	st := state.New()
	loader := state.NewLoader(database, st, logger.Named("loader"))
	if err := loader.Reload(); err != nil {
		logger.Warn("initial configuration load failed, starting empty", zap.Error(err))
	}

	// certificate store; the data plane refuses to start without a
	// default certificate
	certStore, err := certs.NewStore(cfg.CertDir, logger.Named("certs"))
	if err != nil {
		return err
	}
	certStore.Preload()

	registry := prometheus.NewRegistry()
	metrics := proxy.NewMetrics(registry)

	accessLog, closeAccessLog, err := proxy.NewAccessLogger(cfg.AccessLog)
	if err != nil {
		return fmt.Errorf("opening access log: %w", err)
	}
	defer closeAccessLog()

	svc := proxy.NewService(proxy.Config{
		State:       st,
		Trusted:     proxy.NewTrustedProxies(cfg.TrustedProxies),
		Metrics:     metrics,
		Logger:      logger.Named("proxy"),
		AccessLog:   accessLog,
		ACMEWebroot: cfg.ACMEWebroot,
		HTTPSPort:   cfg.HTTPSPort(),
	})

	streamMgr := streams.NewManager(database, logger.Named("streams"), registry)
	if err := streamMgr.Reload(); err != nil {
		logger.Error("loading stream table", zap.Error(err))
	}
	defer streamMgr.StopAll()

	agent := acme.NewAgent(database, certStore, logger.Named("acme"),
		cfg.ContactEmail, cfg.ACMEWebroot, cfg.CertDir)
	go acme.NewScheduler(agent, database, logger.Named("renewal")).Run(ctx)

	go flushTraffic(ctx, metrics, database, logger)
	go reloadOnSIGHUP(ctx, loader, streamMgr, logger)

	// control plane
	apiServer := api.NewServer(api.Config{
		DB:        database,
		Loader:    loader,
		Streams:   streamMgr,
		Agent:     agent,
		Registry:  registry,
		Logger:    logger.Named("api"),
		JWTSecret: jwtSecret(cfg, logger),
	})
	go func() {
		if err := apiServer.Start(ctx, cfg.AdminAddr); err != nil && err != http.ErrServerClosed {
			logger.Error("control plane stopped", zap.Error(err))
		}
	}()

	// data plane listeners
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: svc}
	httpsServer := &http.Server{
		Addr:    cfg.HTTPSAddr,
		Handler: svc,
		TLSConfig: &tls.Config{
			GetCertificate: certStore.GetCertificate,
		},
	}
	errCh := make(chan error, 2)
	go func() {
		logger.Info("data plane listening", zap.String("addr", cfg.HTTPAddr))
		errCh <- httpServer.ListenAndServe()
	}()
	go func() {
		logger.Info("data plane listening (TLS)", zap.String("addr", cfg.HTTPSAddr))
		errCh <- httpsServer.ListenAndServeTLS("", "")
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("listener failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = httpsServer.Shutdown(shutdownCtx)
	return nil
}

// flushTraffic drains the data-plane counters into the store once a
// minute so the stats endpoint survives restarts.
func flushTraffic(ctx context.Context, metrics *proxy.Metrics, database *db.DB, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requests, bytes, s2xx, s4xx, s5xx := metrics.Flush()
			if requests == 0 {
				continue
			}
			if err := database.RecordTraffic(requests, bytes, s2xx, s4xx, s5xx); err != nil {
				logger.Error("saving traffic stats", zap.Error(err))
			}
		}
	}
}

// reloadOnSIGHUP re-reads the shared store on SIGHUP, for deploys
// where another instance mutated it.
func reloadOnSIGHUP(ctx context.Context, loader *state.Loader, streamMgr *streams.Manager, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			logger.Info("SIGHUP received, reloading")
			if err := loader.Reload(); err != nil {
				logger.Error("reload failed", zap.Error(err))
			}
			if err := streamMgr.Reload(); err != nil {
				logger.Error("stream reload failed", zap.Error(err))
			}
		}
	}
}

// jwtSecret returns the configured signing secret, or a random one
// (tokens then expire with the process).
func jwtSecret(cfg settings.Settings, logger *zap.Logger) []byte {
	if cfg.JWTSecret != "" {
		return []byte(cfg.JWTSecret)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		logger.Fatal("generating JWT secret", zap.Error(err))
	}
	logger.Warn("no jwt_secret configured; generated an ephemeral one")
	return []byte(hex.EncodeToString(buf))
}
