// Copyright 2018-2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/karlmutch/envflag"

	"github.com/1Optic/cortex-dispatcher/internal/amqpgw"
	"github.com/1Optic/cortex-dispatcher/internal/config"
	"github.com/1Optic/cortex-dispatcher/internal/dirsource"
	"github.com/1Optic/cortex-dispatcher/internal/dispatcher"
	"github.com/1Optic/cortex-dispatcher/internal/events"
	"github.com/1Optic/cortex-dispatcher/internal/logging"
	"github.com/1Optic/cortex-dispatcher/internal/metrics"
	"github.com/1Optic/cortex-dispatcher/internal/registry"
	"github.com/1Optic/cortex-dispatcher/internal/sftpsource"
	"github.com/1Optic/cortex-dispatcher/internal/supervisor"
	"github.com/1Optic/cortex-dispatcher/internal/target"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Spew contains the process-wide configuration for structure dumps
	// used when debugging configuration and settings values.
	Spew *spew.ConfigState

	logger = logging.NewLogger("cortex-dispatcher")

	configOpt       = flag.String("config", "", "path to the dispatcher's YAML configuration file")
	devStackRootOpt = flag.String("dev-stack-root", "", "when set, declares the AMQP exchange/queues/bindings this process needs before starting")
	shardsOpt       = flag.Uint("event-shards", 4, "number of event-bus shards the dispatcher engine consumes in parallel")
)

func init() {
	Spew = spew.NewDefaultConfig()
	Spew.Indent = "    "
	Spew.SortKeys = true
}

func main() {
	envflag.Parse()

	settings, errs := config.Load(*configOpt)
	if len(errs) != 0 {
		for _, err := range errs {
			logger.Error("configuration error", "error", err)
		}
		os.Exit(1)
	}

	store, err := openRegistry(settings)
	if err != nil {
		logger.Error("registry initialization failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	gateway := amqpgw.New(settings.CommandQueue.Address, logger.With("component", "amqpgw"), m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gateway.Connect(ctx); err != nil {
		logger.Error("amqp gateway failed to connect", "error", err)
		os.Exit(1)
	}
	defer gateway.Close()

	if *devStackRootOpt != "" {
		queues := make([]string, 0, len(settings.Targets)+len(settings.SftpSources))
		for _, t := range settings.Targets {
			queues = append(queues, t.Queue)
		}
		for _, s := range settings.SftpSources {
			queues = append(queues, s.JobQueue)
		}
		if err := amqpgw.Bootstrap(settings.CommandQueue.Address, queues); err != nil {
			logger.Error("dev-stack bootstrap failed", "error", err)
			os.Exit(1)
		}
	}

	bus := events.NewBus(int(*shardsOpt), 64)
	targets := target.FromSettings(settings.Targets)

	components := buildComponents(settings, bus, store, gateway, targets, m)

	code := supervisor.New(logger, components...).Run(ctx)
	os.Exit(code)
}

func openRegistry(settings *config.Settings) (*registry.Store, error) {
	if settings.Sqlite != nil {
		return registry.OpenSQLite(settings.Sqlite.Path)
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		settings.Postgresql.Host, settings.Postgresql.Port, settings.Postgresql.User, settings.Postgresql.Password, settings.Postgresql.DBName)
	return registry.OpenPostgres(dsn)
}

func buildComponents(settings *config.Settings, bus *events.Bus, store *registry.Store, gateway *amqpgw.Gateway, targets []target.Target, m *metrics.Metrics) []supervisor.Component {
	components := make([]supervisor.Component, 0, len(settings.DirectorySources)+2)

	for _, ds := range settings.DirectorySources {
		ds := ds
		w := dirsource.New(ds.Name, ds.Directory, ds.Recursive, ds.FilterRegex(), config.DefaultSettleDuration, bus, store, logger.With("source", ds.Name))
		components = append(components, supervisor.Component{
			Name: "dirsource:" + ds.Name,
			Run:  w.Run,
		})
	}

	if len(settings.SftpSources) > 0 {
		exec := &sftpsource.Executor{
			Sources:     settings.SftpSources,
			StorageRoot: settings.Storage.Directory,
			Bus:         bus,
			Store:       store,
			Gateway:     gateway,
			Logger:      logger.With("component", "sftpsource"),
			Metrics:     m,
		}
		components = append(components, supervisor.Component{
			Name: "sftpsource",
			Run:  exec.Run,
		})
	}

	engine := &dispatcher.Engine{
		Bus:     bus,
		Store:   store,
		Gateway: gateway,
		Targets: targets,
		Logger:  logger.With("component", "dispatcher"),
		Metrics: m,
	}
	components = append(components, supervisor.Component{
		Name: "dispatcher",
		Run:  engine.Run,
	})

	return components
}
