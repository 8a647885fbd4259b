/*
Copyright 2026 The Caravel Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caravel-vm/caravel/internal/adapter"
	"github.com/caravel-vm/caravel/internal/controller"
	"github.com/caravel-vm/caravel/internal/driver/server"
	"github.com/caravel-vm/caravel/internal/util/gracefulshutdown"
	"github.com/caravel-vm/caravel/internal/util/httputil"
	"github.com/caravel-vm/caravel/internal/util/logging"
)

const Name = "caraveld"

var (
	Version        = "dev" //nolint:gochecknoglobals // set by ldflags
	CommitSHA      = "n/a" //nolint:gochecknoglobals // set by ldflags
	BuildTimestamp = "n/a" //nolint:gochecknoglobals // set by ldflags
)

// ------------------------------------------------- Main ----------------------------------------------------------- //

func main() {
	_, _ = fmt.Fprintf(
		os.Stdout,
		"Starting %s version %s (%s) %s\n",
		Name,
		Version,
		CommitSHA,
		BuildTimestamp,
	)

	gs := gracefulshutdown.New(Name)
	ctx := gs.Context()

	// --------------------------------------------- Config --------------------------------------------------------- //

	configPath := os.Getenv(ConfigPathEnvKey)
	if configPath == "" {
		slog.ErrorContext(ctx, fmt.Sprintf("environment variable %q must be set", ConfigPathEnvKey))
		gs.Shutdown(1)
	}

	config, err := loadConfig(configPath)
	if err != nil {
		slog.ErrorContext(ctx, "loading caraveld configuration", "error", err.Error())
		gs.Shutdown(1)
	}

	logging.Setup(logging.Options{
		Development: config.Development,
		Level:       slog.LevelInfo,
	})

	// --------------------------------------------- Adapter -------------------------------------------------------- //

	store, err := adapter.NewStore(config.StorePath)
	if err != nil {
		slog.ErrorContext(ctx, "opening store", "error", err.Error())
		gs.Shutdown(1)
	}

	connector := adapter.NewConnector()
	snapshotAPI := adapter.NewSnapshotAPI()

	// --------------------------------------------- Controller ----------------------------------------------------- //

	metrics := controller.NewMetricsCollector()
	prometheus.MustRegister(metrics)

	scanner := controller.NewScanner(store, connector, config.MountBase)
	executor := controller.NewExecutor(store, connector, config.MountBase)
	snapshots := controller.NewSnapshotCoordinator(store, snapshotAPI)

	runner := controller.NewRunner(
		store,
		snapshots,
		executor,
		metrics,
		time.Duration(config.Runner.PollTimeoutSeconds)*time.Second,
	)

	// An in-flight run must not outlive the daemon: cancel it on shutdown
	// and wait until the current item has been handed back to the queue.
	gs.WaitGroup().Add(1)

	go func() {
		defer gs.WaitGroup().Done()

		<-ctx.Done()
		runner.Stop()

		deadline := time.NewTimer(30 * time.Second)
		defer deadline.Stop()

		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()

		for runner.Running() {
			select {
			case <-deadline.C:
				slog.Warn("run still in flight at shutdown deadline")

				return
			case <-tick.C:
			}
		}
	}()

	// --------------------------------------------- App ------------------------------------------------------------ //

	apiServer := &http.Server{ //nolint:exhaustruct
		Addr:              fmt.Sprintf(":%d", config.APIServer.Port),
		Handler:           server.New(runner, scanner, store),
		ReadHeaderTimeout: time.Second,
	}

	// --------------------------------------------- Metrics -------------------------------------------------------- //

	metricsHandler := http.NewServeMux()
	metricsHandler.Handle(config.MetricsServer.Path, promhttp.Handler())

	metricsServer := &http.Server{ //nolint:exhaustruct
		Addr:              fmt.Sprintf(":%d", config.MetricsServer.Port),
		Handler:           metricsHandler,
		ReadHeaderTimeout: time.Second,
	}

	// --------------------------------------------- Probes --------------------------------------------------------- //

	probesHandler := http.NewServeMux()

	probesHandler.Handle(config.ProbesServer.LivenessPath, http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	probesHandler.Handle(config.ProbesServer.ReadinessPath, http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	probesServer := &http.Server{ //nolint:exhaustruct
		Addr:              fmt.Sprintf(":%d", config.ProbesServer.Port),
		Handler:           probesHandler,
		ReadHeaderTimeout: time.Second,
	}

	// --------------------------------------------- Run Server ----------------------------------------------------- //

	httputil.Serve(map[string]*http.Server{
		"api":     apiServer,
		"metrics": metricsServer,
		"probes":  probesServer,
	}, gs)

	slog.Info("✅ gracefully stopped", "binary", Name)
}
