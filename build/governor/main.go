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
	"flag"
	"os"
	"os/signal"

	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	ctrlMetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/AMDEPYC/hybrid-governor/internal/config"
	"github.com/AMDEPYC/hybrid-governor/internal/metrics"
	"github.com/AMDEPYC/hybrid-governor/internal/monitoring"
	"github.com/AMDEPYC/hybrid-governor/internal/scaling"
)

var (
	setupLog = ctrl.Log.WithName("setup")
)

func main() {
	var configPath string
	var metricsAddr string
	flag.StringVar(&configPath, "config", "", "Path to the governor YAML configuration file.")
	flag.StringVar(&metricsAddr, "metrics-bind-address", "",
		"The address the metric endpoint binds to. Overrides the configuration file.")
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

	cfg, err := config.Load(configPath)
	if err != nil {
		setupLog.Error(err, "unable to load configuration", "path", configPath)
		os.Exit(1)
	}
	if metricsAddr != "" {
		cfg.Daemon.MetricsBindAddress = metricsAddr
	}

	host := scaling.NewSysfsCPUFreqHost(ctrl.Log.WithName("sysfs"))
	cpuIDs, err := host.OnlineCPUs()
	if err != nil {
		setupLog.Error(err, "unable to list online CPUs")
		os.Exit(1)
	}
	if cfg.Daemon.SetUserspaceGovernor {
		for _, cpuID := range cpuIDs {
			if err := host.EnsureUserspaceGovernor(cpuID); err != nil {
				setupLog.Error(err, "unable to set userspace governor", "cpuID", cpuID)
			}
		}
	} else {
		setupLog.Info("cpufreq governors left untouched, only CPUs already under the userspace governor are managed")
	}

	var source metrics.IdleTimeSource
	switch cfg.Daemon.MetricSource {
	case config.MetricSourceMSR:
		msrClient := metrics.NewMSRClient(ctrl.Log.WithName("metrics"), cpuIDs)
		defer msrClient.Close()
		source = msrClient
	default:
		source = metrics.NewProcStatSource(ctrl.Log.WithName("metrics"))
	}

	tunables, err := scaling.NewTunables(cfg.Governor.TunableValues())
	if err != nil {
		setupLog.Error(err, "unable to create tunables")
		os.Exit(1)
	}

	governorMetrics := monitoring.NewGovernorMetrics()
	governorMetrics.MustRegister(ctrlMetrics.Registry)

	dispatcher := scaling.NewDispatcher(
		host,
		scaling.DispatcherOpts{
			WorkersPerDirection: cfg.Daemon.DispatcherWorkers,
			QueueSize:           cfg.Daemon.DispatcherQueueSize,
		},
		governorMetrics,
		ctrl.Log.WithName("dispatcher"),
	)
	mgr := scaling.NewCPUScalingManager(scaling.ManagerOpts{
		Domain:     host,
		Actuator:   host,
		Source:     source,
		Dispatcher: dispatcher,
		Tunables:   tunables,
		Observer:   governorMetrics,
	})
	monitoring.RegisterUnitCollectors(ctrlMetrics.Registry, mgr, ctrl.Log.WithName(monitoring.LogTopName))

	watcher := scaling.NewHostWatcher(mgr, host, host, cfg.Daemon.HostPollInterval, nil,
		ctrl.Log.WithName("hostWatcher"))

	// a bind address of "0" disables the metrics server
	metricsServer, err := metricsserver.NewServer(metricsserver.Options{
		BindAddress: cfg.Daemon.MetricsBindAddress,
	}, nil, nil)
	if err != nil {
		setupLog.Error(err, "unable to create metrics server")
		os.Exit(1)
	}

	group, ctx := errgroup.WithContext(ctrl.SetupSignalHandler())
	group.Go(func() error { return dispatcher.Start(ctx) })
	group.Go(func() error { return mgr.Start(ctx) })
	group.Go(func() error { return watcher.Start(ctx) })
	if metricsServer != nil {
		group.Go(func() error { return metricsServer.Start(ctx) })
	}
	group.Go(func() error { return reloadOnHangup(ctx, configPath, tunables) })

	setupLog.Info("starting governor",
		"cpus", len(cpuIDs),
		"metricSource", cfg.Daemon.MetricSource,
		"policy", cfg.Governor.Policy,
		"sampleInterval", tunables.SampleInterval())
	if err := group.Wait(); err != nil {
		setupLog.Error(err, "problem running governor")
		os.Exit(1)
	}
}

// reloadOnHangup re-reads the governor section of the configuration on SIGHUP.
// Daemon settings need a restart.
func reloadOnHangup(ctx context.Context, configPath string, tunables *scaling.Tunables) error {
	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, unix.SIGHUP)
	defer signal.Stop(hangup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hangup:
			cfg, err := config.Load(configPath)
			if err != nil {
				setupLog.Error(err, "unable to reload configuration, keeping current tunables")
				continue
			}
			if err := tunables.Apply(cfg.Governor.TunableValues()); err != nil {
				setupLog.Error(err, "unable to apply reloaded tunables")
				continue
			}
			setupLog.Info("tunables reloaded",
				"requestedSampleInterval", tunables.RequestedSampleInterval(),
				"sampleInterval", tunables.SampleInterval())
		}
	}
}
