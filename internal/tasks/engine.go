// Package tasks wires the engine together: store, event bus, MQTT fan-out,
// audit log, actuator writer, rule engine, device manager and the metrics
// endpoint.
package tasks

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/SSAher3499/ecofarmlogix-engine/internal/actuator"
	"github.com/SSAher3499/ecofarmlogix-engine/internal/audit"
	"github.com/SSAher3499/ecofarmlogix-engine/internal/config"
	"github.com/SSAher3499/ecofarmlogix-engine/internal/devicemgr"
	"github.com/SSAher3499/ecofarmlogix-engine/internal/engine"
	"github.com/SSAher3499/ecofarmlogix-engine/internal/events"
	"github.com/SSAher3499/ecofarmlogix-engine/internal/metrics"
	"github.com/SSAher3499/ecofarmlogix-engine/internal/store"
)

// Options are the CLI overrides applied on top of the YAML config.
type Options struct {
	ConfigPath string
	DBPath     string
	MQTTBroker string
}

// InitAndRun builds the whole engine from configuration and runs it until
// the context is cancelled.
func InitAndRun(ctx context.Context, opts Options) error {
	var cfg *config.Root
	var err error
	if opts.ConfigPath != "" {
		cfg, err = config.Load(opts.ConfigPath)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}
	if opts.DBPath != "" {
		cfg.Database.Path = opts.DBPath
	}
	if opts.MQTTBroker != "" {
		cfg.MQTT.Broker = opts.MQTTBroker
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bus := events.NewBus()

	if cfg.MQTT.Broker != "" {
		pub, err := events.NewMQTTPublisher(cfg.MQTT, bus)
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		defer pub.Close()
		// Firmware-pushed GPIO/analog readings arrive on the same broker.
		if _, err := events.NewMQTTIngestor(pub.Client(), st, bus, cfg.MQTT.QoS); err != nil {
			return fmt.Errorf("mqtt ingest: %w", err)
		}
	} else {
		log.Printf("tasks: no mqtt broker configured, events stay in-process")
	}

	auditLog, err := audit.Open(cfg.Audit.Dir, cfg.Audit.Format, cfg.Audit.QueueSize)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	defer auditLog.Close()
	auditLog.Attach(bus)

	mgr := devicemgr.New(st, bus, cfg.Polling)
	writer := actuator.NewWriter(st, mgr, bus)

	eng := engine.New(writer, st)
	eng.Sensors = st
	rules, err := st.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	schedules, err := st.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	eng.Load(rules, schedules)
	eng.Attach(bus)
	defer eng.Close()

	if cfg.Metrics.Listen != "" {
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: metrics.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("tasks: metrics listener: %v", err)
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
	}

	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Close()

	go eng.Run(ctx)

	log.Printf("tasks: engine running, %d rules, %d schedules", len(rules), len(schedules))
	<-ctx.Done()
	return nil
}
