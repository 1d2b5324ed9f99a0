package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/SSAher3499/ecofarmlogix-engine/internal/tasks"
)

func main() {
	var opts tasks.Options
	flag.StringVar(&opts.ConfigPath, "config", "", "path to YAML config (defaults apply when empty)")
	flag.StringVar(&opts.DBPath, "db", "", "override database path")
	flag.StringVar(&opts.MQTTBroker, "mqtt", "", "override MQTT broker URL, e.g. tcp://localhost:1883")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Printf("received signal: %v, shutting down...", s)
		cancel()
	}()

	if err := tasks.InitAndRun(ctx, opts); err != nil {
		log.Fatalf("engine exited with error: %v", err)
	}
}
