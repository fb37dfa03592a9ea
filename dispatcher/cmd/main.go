package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"

	"github.com/Scusemua/go-utils/config"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/scusemua/vm-control-plane/common/metrics"
	"github.com/scusemua/vm-control-plane/common/scheduling/allocator"
	"github.com/scusemua/vm-control-plane/common/storage"
	"github.com/scusemua/vm-control-plane/common/strand"
	"github.com/scusemua/vm-control-plane/common/utils"
	"github.com/scusemua/vm-control-plane/dispatcher/daemon"
	"github.com/scusemua/vm-control-plane/dispatcher/domain"
)

const (
	ServiceName = "dispatcher"
)

var (
	options      = domain.DefaultDispatcherDaemonOptions()
	globalLogger = config.GetLogger("")
	sig          = make(chan os.Signal, 1)
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)

	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)

	options.PrometheusPort = domain.DefaultPrometheusPort
}

// ValidateOptions ensures that the options/configuration is valid.
func ValidateOptions() {
	flags, err := config.ValidateOptions(&options)
	if errors.Is(err, config.ErrPrintUsage) {
		flags.PrintDefaults()
		os.Exit(0)
	} else if err != nil {
		log.Fatal(err)
	}

	if err = options.Validate(); err != nil {
		log.Fatal(err)
	}

	if options.Id == "" {
		hostname, hostnameErr := os.Hostname()
		if hostnameErr != nil {
			hostname = ServiceName
		}

		options.Id = fmt.Sprintf("%s-%s-%d", ServiceName, hostname, options.PartitionNumber)
	}
}

func main() {
	var done sync.WaitGroup

	// Ensure that the options/configuration is valid.
	ValidateOptions()

	if options.PrettyPrintOptions {
		globalLogger.Info("Starting the Strand Dispatcher with the following options:\n%s\n", options.PrettyString(2))
	} else {
		globalLogger.Info("Starting the Strand Dispatcher %s.", options.Id)
	}

	db, err := storage.Open(options.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	zapLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create zap logger: %v", err)
	}
	defer func() { _ = zapLogger.Sync() }()

	prometheusManager, err := metrics.NewDispatcherPrometheusManager(options.PrometheusPort, options.Id)
	if err != nil {
		log.Fatalf("Failed to create Prometheus manager: %v", err)
	}

	if err = prometheusManager.Start(); err != nil {
		log.Fatalf("Failed to start Prometheus manager: %v", err)
	}

	registry := strand.NewRegistry()
	daemon.RegisterVmPlacement(registry, allocator.New(db, &options.AllocatorOptions))

	dispatcherOptions := []daemon.Option{
		daemon.WithId(options.Id),
		daemon.WithZapLogger(zapLogger),
		daemon.WithPrometheusManager(prometheusManager),
	}

	if options.RedisAddress != "" {
		globalLogger.Info("Listening for repartition notifications on redis %s, channel \"%s\".",
			options.RedisAddress, options.RepartitionChannel)
		dispatcherOptions = append(dispatcherOptions,
			daemon.WithPartitionNotifier(daemon.NewRedisNotifier(&options.DispatcherOptions)))
	} else {
		globalLogger.Warn(utils.YellowStyle.Render("No redis address configured. Repartitioning is disabled."))
	}

	dispatcher, err := daemon.New(db, strand.NewRunner(registry, nil), &options.DispatcherOptions, dispatcherOptions...)
	if err != nil {
		log.Fatalf("Failed to create dispatcher: %v", err)
	}

	if err = dispatcher.Start(); err != nil {
		log.Fatalf("Failed to start dispatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Start detecting stop signals
	done.Add(1)
	go func() {
		defer done.Done()

		<-sig
		globalLogger.Info("Shutting down...")

		cancel()
		dispatcher.Shutdown()

		if stopErr := prometheusManager.Stop(); stopErr != nil {
			globalLogger.Warn("Failed to stop Prometheus manager: %v", stopErr)
		}

		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
	}()

	// Start the conductor
	go func() {
		defer finalize("Conductor")
		dispatcher.Conduct(ctx)
	}()

	done.Wait()
}

// finalize logs a panic of the named goroutine along with its stack, then triggers a shutdown.
func finalize(identity string) {
	if err := recover(); err != nil {
		globalLogger.Error(utils.RedStyle.Render("%s panicked: %v"), identity, err)
		debug.PrintStack()
	}

	sig <- syscall.SIGINT
}
