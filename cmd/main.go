package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"go.uber.org/zap"

	appconfig "github.com/saker-ai/concierge/internal/config"
	"github.com/saker-ai/concierge/pkg/runtime"
)

func main() {
	var (
		configPath  string
		printConfig bool
	)

	cmd := kingpin.New("concierge", "Voice and chat concierge for an embedded assistant.")
	cmd.Flag("config", "Path to conf.yaml. Defaults to the nearest conf.yaml above the working directory.").
		Short('c').
		Envar("CONCIERGE_CONFIG").
		StringVar(&configPath)
	cmd.Flag("print-config", "Print the effective configuration as YAML and exit.").
		BoolVar(&printConfig)
	cmd.Action(func(*kingpin.ParseContext) error {
		if printConfig {
			return dumpConfig(configPath)
		}
		return serve(configPath)
	})

	kingpin.MustParse(cmd.Parse(os.Args[1:]))
}

func dumpConfig(configPath string) error {
	cfg, err := appconfig.LoadConfig(configPath)
	if err != nil {
		return err
	}
	out, err := appconfig.Dump(cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

func serve(configPath string) error {
	server, err := runtime.New(configPath)
	if err != nil {
		fallback, _ := zap.NewProduction()
		defer fallback.Sync()
		fallback.Error("failed to start concierge", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		return fmt.Errorf("concierge stopped: %w", err)
	}
	return nil
}
