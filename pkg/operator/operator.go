/*
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

// Package operator wires the engine together: configuration, logging,
// platform clients, the resolver chain, stores, executor and drivers.
package operator

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"knative.dev/pkg/logging"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/clock"

	"github.com/seanly/NodeGuardian/pkg/actions"
	"github.com/seanly/NodeGuardian/pkg/alerting"
	"github.com/seanly/NodeGuardian/pkg/config"
	"github.com/seanly/NodeGuardian/pkg/controllers"
	"github.com/seanly/NodeGuardian/pkg/cooldown"
	"github.com/seanly/NodeGuardian/pkg/evaluation"
	"github.com/seanly/NodeGuardian/pkg/metrics"
	"github.com/seanly/NodeGuardian/pkg/operator/options"
	"github.com/seanly/NodeGuardian/pkg/platform"
	"github.com/seanly/NodeGuardian/pkg/rulestore"
)

// Run builds the engine and blocks until the context is cancelled.
func Run(ctx context.Context, opts *options.Options) error {
	fs := afero.NewOsFs()
	cfg, err := config.Load(fs, opts.ConfigDir, opts.SecretsDir)
	if err != nil {
		return fmt.Errorf("loading configuration, %w", err)
	}

	logger, err := buildLogger(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("constructing logger, %w", err)
	}
	defer logger.Sync()
	ctx = logging.WithLogger(ctx, logger)

	restConfig, err := restConfig(opts.Kubeconfig)
	if err != nil {
		return fmt.Errorf("constructing rest config, %w", err)
	}
	kube, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf("constructing kubernetes client, %w", err)
	}
	dyn, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf("constructing dynamic client, %w", err)
	}

	client := platform.NewClient(kube, dyn)
	clk := clock.RealClock{}

	ledger, err := cooldown.NewLedger(fs, filepath.Join(opts.StateDir, "cooldown"), clk)
	if err != nil {
		return fmt.Errorf("constructing cooldown ledger, %w", err)
	}
	store, err := rulestore.NewStore(fs, filepath.Join(opts.StateDir, "rules"), ledger)
	if err != nil {
		return fmt.Errorf("constructing rule store, %w", err)
	}
	resolver, err := metrics.NewTieredResolver(cfg.Prometheus.URL, cfg.Monitoring.MetricsServerURL, client)
	if err != nil {
		return fmt.Errorf("constructing metrics resolver, %w", err)
	}

	dispatcher := alerting.NewDispatcher(cfg, store, resolver, client, clk)
	executor := actions.NewExecutor(client, dispatcher, ledger)
	evaluator := evaluation.NewEvaluator(resolver)
	engine := controllers.NewEngine(store, client, evaluator, executor, ledger, clk, cfg.Monitoring.MaxConcurrentChecks)

	go serve(ctx, opts.MetricsPort, telemetryMux())
	go serve(ctx, opts.HealthProbePort, probeMux())

	logger.Infow("starting engine", "state-dir", opts.StateDir, "max-concurrent-checks", cfg.Monitoring.MaxConcurrentChecks)
	engine.Start(ctx)
	return nil
}

func buildLogger(level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func restConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	return clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
}

func telemetryMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func probeMux() *http.ServeMux {
	mux := http.NewServeMux()
	healthy := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
	mux.HandleFunc("/healthz", healthy)
	mux.HandleFunc("/readyz", healthy)
	return mux
}

func serve(ctx context.Context, port int, handler http.Handler) {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.FromContext(ctx).Errorw("serving", "port", port, "error", err)
	}
}
