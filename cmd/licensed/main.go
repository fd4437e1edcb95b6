// Command licensed runs the licensing engine behind the local HTTP bridge.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"licensekit/internal/app"
	"licensekit/internal/config"
	"licensekit/pkg/contracts"
)

func main() {
	configFile := flag.String("config", "", "YAML config file (defaults to LICENSEKIT_CONFIG_FILE or the usual locations)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(contracts.GetVersionString())
		return
	}

	var (
		cfg *config.Config
		err error
	)
	if *configFile != "" {
		cfg, err = config.LoadFile(*configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		slog.Error("Failed to initialize application", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		slog.Error("Application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
