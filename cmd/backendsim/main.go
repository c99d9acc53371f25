package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/lifeline/internal/backendsim"
	"github.com/danmuck/lifeline/internal/logging"
	"github.com/danmuck/lifeline/internal/node"
	flag "github.com/spf13/pflag"
)

func main() {
	logging.ConfigureRuntime()

	fs := flag.NewFlagSet("backendsim", flag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "Config file path (defaults when empty)")
	addr := fs.StringP("addr", "a", "", "Listen address (overrides config)")
	maintenance := fs.Bool("maintenance", false, "Start in maintenance mode")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	cfg := backendsim.DefaultConfig()
	if *configPath != "" {
		loaded, err := loadSimConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "backendsim: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if fs.Changed("maintenance") {
		cfg.Maintenance = *maintenance
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := backendsim.New("backendsim", cfg)
	if err := node.ListenAndServe(ctx, sim, cfg.Addr); err != nil {
		fmt.Fprintf(os.Stderr, "backendsim: %v\n", err)
		os.Exit(1)
	}
}
