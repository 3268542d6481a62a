package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"trackerd/internal/config"
)

const version = "0.1.0"

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./tracker.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := buildRuntime(cfg)
	if err != nil {
		log.Fatalf("runtime init failed: %v", err)
	}
	defer rt.Close()

	log.Printf("trackerd %s starting", version)
	log.Printf("gps device=%s baud=%d", cfg.GPS.Device, cfg.GPS.Baud)
	if cfg.Modem.Device != "" {
		log.Printf("modem device=%s baud=%d admin=%s", cfg.Modem.Device, cfg.Modem.Baud, cfg.Tracker.AdminPhone)
	}

	if err := rt.tracker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("tracker stopped: %v", err)
	}
	log.Printf("trackerd stopping")
}
