package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/biostream/pkg/biostream"
	"github.com/norasector/biostream/pkg/biostream/config"
	"github.com/norasector/biostream/pkg/biostream/device"
	"github.com/norasector/biostream/pkg/biostream/device/file"
	"github.com/norasector/biostream/pkg/biostream/device/synthetic"
	"github.com/norasector/biostream/pkg/biostream/session"
	"github.com/norasector/biostream/pkg/util"
	"github.com/norasector/biostream/pkg/viz"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	influxdb2 "github.com/influxdata/influxdb-client-go"
)

const shutdownTimeout = 5 * time.Second

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)

	configFile := flag.StringP("config", "c", "biostream.yaml", "YAML config file")
	envFile := flag.String("env-file", ".env", "dotenv file with BIOSTREAM_* overrides")
	logLevel := flag.String("log-level", "", "log level, overrides the config file")
	flag.Parse()

	opts, err := config.Load(*configFile, *envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("error loading config")
	}
	if *logLevel != "" {
		opts.LogLevel = *logLevel
	}
	level, err := zerolog.ParseLevel(opts.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", opts.LogLevel).Msg("invalid log level")
	}
	log.Logger = log.Logger.Level(level)

	var writeAPI api.WriteAPI = util.NopWriteAPI{}
	closeMetrics := func() {}
	if opts.InfluxDB.Host != "" {
		client := influxdb2.NewClient(opts.InfluxDB.Host, opts.InfluxDB.Token)
		writeAPI = client.WriteAPI(opts.InfluxDB.Organization, opts.InfluxDB.Bucket)
		closeMetrics = func() {
			writeAPI.Flush()
			client.Close()
		}
	}

	coordinator, err := biostream.NewCoordinator(
		biostream.WithInfluxDB(writeAPI),
		biostream.WithLogger(log.Logger))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create coordinator")
	}

	var vizServer *viz.Server
	if opts.Monitoring.Enabled {
		vizServer = viz.NewServer(opts.Monitoring.Port, opts.Monitoring.UpdateInterval, coordinator, log.Logger)
	}

	for _, devOpts := range opts.Devices {
		dev, err := newDevice(devOpts)
		if err != nil {
			log.Fatal().Str("device", devOpts.Name).Err(err).Msg("failed to initialize device")
		}
		log.Info().Str("device", devOpts.Name).Str("driver", devOpts.Driver).Msg("initializing device...")

		sess, err := session.NewSession(dev, session.Options{
			Name:             devOpts.Name,
			OutputPath:       opts.OutputPath,
			SamplingRate:     devOpts.SamplingRate,
			SavingMode:       devOpts.SavingMode,
			Header:           devOpts.Header,
			PollInterval:     devOpts.PollInterval,
			PadTriggerColumn: devOpts.PadTrigger(),
			TriggerPlacement: devOpts.TriggerPlacement,
		}, session.WithInfluxDB(writeAPI),
			session.WithLogger(log.Logger))
		if err != nil {
			log.Fatal().Str("device", devOpts.Name).Err(err).Msg("failed to create session")
		}
		if err := coordinator.AddDevice(sess); err != nil {
			log.Fatal().Str("device", devOpts.Name).Err(err).Msg("failed to register device")
		}
		if vizServer != nil {
			vizServer.RegisterDevice(devOpts.Name, devOpts.SamplingRate)
		}
	}

	eg, ctx := errgroup.WithContext(context.Background())
	runDone := make(chan struct{})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	eg.Go(func() error {
		defer close(runDone)
		return coordinator.Start(ctx)
	})

	if vizServer != nil {
		eg.Go(func() error {
			return vizServer.Run(ctx)
		})
	}

	eg.Go(func() error {
		select {
		case <-sigChan:
			log.Info().Msg("terminating devices")
			// a signal can arrive before the devices were started
			select {
			case <-coordinator.Ready():
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := coordinator.Terminate(ctx); err != nil {
				return err
			}
			select {
			case <-runDone:
			case <-ctx.Done():
			}
		case <-runDone:
		case <-ctx.Done():
		}

		if vizServer == nil {
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return vizServer.Stop(shutdownCtx)
	})

	err = eg.Wait()
	closeMetrics()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("exited program")
	}
}

func newDevice(opts config.Device) (device.Device, error) {
	switch opts.Driver {
	case config.DriverSynthetic:
		return synthetic.NewSyntheticDevice(opts.Channels, opts.SamplingRate)
	case config.DriverFile:
		return file.NewFileDevice(opts.PlaybackLocation, opts.SamplingRate, opts.Loop)
	default:
		return nil, errors.Errorf("unknown driver %q", opts.Driver)
	}
}
