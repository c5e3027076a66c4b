package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"emberfall/server/internal/app"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.toml", "path to the TOML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, configPath); err != nil {
		log.Fatalf("%v", err)
	}
}
