package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/seamless-hci/glovelink/cmd/glovectl/app"
)

func main() {
	var logLevel slog.LevelVar

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: &logLevel,
	}))

	var (
		configPath string
		scanOnly   bool
		sensorName string
		showConfig bool
	)

	flag.StringVar(&configPath, "c", "", "Path to configuration file (defaults apply when omitted)")
	flag.BoolVar(&scanOnly, "scan", false, "List nearby gloves and exit")
	flag.StringVar(&sensorName, "calibrate", "", "Zero-calibrate the named sensor (e.g. imu1.gyro) and exit")
	flag.BoolVar(&showConfig, "show-config", false, "Print the configuration the device acknowledged and exit")
	flag.Parse()

	config, err := app.LoadConfig(configPath)
	if err != nil {
		logger.Error(fmt.Sprintf("Failed to load configuration file: %s", err))
		os.Exit(1)
	}

	logLevel.Set(config.Settings.Level())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch {
	case scanOnly:
		err = app.Scan(ctx, config, logger)
	case sensorName != "":
		err = app.Calibrate(ctx, config, logger, sensorName)
	case showConfig:
		err = app.ShowConfig(ctx, config, logger)
	default:
		err = app.Run(ctx, config, logger)
	}
	if err != nil {
		logger.Error(err.Error())
		cancel()
		os.Exit(1)
	}
}
