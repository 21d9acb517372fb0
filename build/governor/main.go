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

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/intel/power-optimization-library/pkg/power"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/AMDEPYC/cpufreq-interactive/internal/admin"
	"github.com/AMDEPYC/cpufreq-interactive/internal/config"
	"github.com/AMDEPYC/cpufreq-interactive/internal/cpufreq"
	"github.com/AMDEPYC/cpufreq-interactive/internal/governor"
	"github.com/AMDEPYC/cpufreq-interactive/internal/metrics"
	"github.com/AMDEPYC/cpufreq-interactive/internal/monitoring"
	"github.com/AMDEPYC/cpufreq-interactive/internal/topology"
)

const shutdownTimeout = 5 * time.Second

var setupLog = ctrl.Log.WithName("setup")

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to the governor YAML configuration file.")
	logOpts := zap.Options{}
	logOpts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(
		zap.UseDevMode(true),
		func(o *zap.Options) {
			o.TimeEncoder = zapcore.ISO8601TimeEncoder
		},
		zap.UseFlagOptions(&logOpts),
	),
	)

	if err := run(configPath); err != nil {
		setupLog.Error(err, "governor exited with error")
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	power.SetLogger(ctrl.Log.WithName("powerLibrary"))
	host, err := power.CreateInstance(cfg.NodeName)
	if host == nil {
		return errors.Join(errors.New("unable to create Power Library instance"), err)
	}
	for id, feature := range host.GetFeaturesInfo() {
		setupLog.Info(
			"feature status",
			"feature", feature.Name(),
			"driver", feature.Driver(),
			"error", feature.FeatureError(),
			"available", power.IsFeatureSupported(id))
	}

	driver := cpufreq.NewSysfsDriver(cfg.FrequencyStep, ctrl.Log.WithName("cpufreq"))
	placement, err := topology.NewSysfsPlacement(cfg.SysRoot)
	if err != nil {
		return err
	}
	topo, err := topology.Discover(host, driver.RelatedCPUs, placement.Lookup, ctrl.Log.WithName("topology"))
	if err != nil {
		return err
	}
	if cfg.EnsureUserspaceEnabled() {
		for _, domain := range topo.Domains {
			if err := driver.EnsureUserspaceGovernor(domain.ID); err != nil {
				return err
			}
		}
	}

	idle, err := metrics.NewProcStatReader(cfg.ProcRoot, cfg.StatCacheTTL, ctrl.Log.WithName("idle"))
	if err != nil {
		return err
	}
	recorder, err := monitoring.NewRecorder(ctrlmetrics.Registry)
	if err != nil {
		return err
	}

	opts := []governor.Option{
		governor.WithLogger(ctrl.Log.WithName("governor")),
		governor.WithRecorder(recorder),
		governor.WithTickGranularity(cfg.TickGranularity),
		governor.WithModeClassifier(cfg.ModeClassifierEnabled()),
	}
	if cfg.CoordinatorNice != nil {
		opts = append(opts, governor.WithCoordinatorNice(*cfg.CoordinatorNice))
	}
	if u := cfg.Uncore; u != nil {
		retained, err := topology.NewUncoreRange(u.RetainedMin, u.RetainedMax)
		if err != nil {
			return err
		}
		relaxed, err := topology.NewUncoreRange(u.RelaxedMin, u.RelaxedMax)
		if err != nil {
			return err
		}
		opts = append(opts, governor.WithAuxPowerNotifier(
			topology.NewUncoreNotifier(host, retained, relaxed, ctrl.Log.WithName("uncore"))))
	}

	gov, err := governor.New(driver, idle, topo.Domains, opts...)
	if err != nil {
		return err
	}
	if err := cfg.ApplyTunables(gov); err != nil {
		return err
	}
	if err := monitoring.RegisterGovernorCollectors(ctrlmetrics.Registry, gov, topo,
		ctrl.Log.WithName(monitoring.LogTopName)); err != nil {
		return err
	}

	server := &http.Server{
		Addr: cfg.AdminAddr,
		Handler: admin.NewServer(gov, ctrl.Log.WithName("admin"),
			admin.WithGatherer(ctrlmetrics.Registry),
			admin.WithWriteLimit(cfg.Admin.WriteRate, cfg.Admin.WriteBurst),
		).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctrl.SetupSignalHandler())
	group.Go(func() error {
		return gov.Start(ctx)
	})
	group.Go(func() error {
		setupLog.Info("serving admin API", "address", cfg.AdminAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	setupLog.Info("starting governor", "cpus", len(topo.Placement), "domains", len(topo.Domains))
	return group.Wait()
}
