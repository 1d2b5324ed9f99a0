// Package audit keeps an append-only action log of what the engine did:
// alerts raised, actuator state changes, devices going on- and offline,
// failed writes. Records are flattened and written asynchronously to JSONL
// and/or CSV so the hot path never blocks on disk.
package audit

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/SSAher3499/ecofarmlogix-engine/internal/events"
)

// Entry is one flattened audit record.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	FarmID    string    `json:"farmId,omitempty"`
	DeviceID  string    `json:"deviceId,omitempty"`
	EntityID  string    `json:"entityId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Value     *float64  `json:"value,omitempty"`
}

// Log writes entries to disk in the background.
type Log struct {
	q      chan Entry
	wg     sync.WaitGroup
	closed chan struct{}

	jsonFile   *os.File
	jsonWriter *bufio.Writer

	csvFile   *os.File
	csvWriter *csv.Writer
}

// Open ensures the directory exists, opens the requested outputs and starts
// the background writer. format is "jsonl", "csv" or "both" (default).
func Open(dir, format string, queueSize int) (*Log, error) {
	if dir == "" {
		dir = "data"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	enableJSON, enableCSV := false, false
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json", "jsonl":
		enableJSON = true
	case "csv":
		enableCSV = true
	case "both", "":
		enableJSON = true
		enableCSV = true
	default:
		return nil, fmt.Errorf("unsupported audit format %q", format)
	}

	if queueSize <= 0 {
		queueSize = 1000
	}
	l := &Log{
		q:      make(chan Entry, queueSize),
		closed: make(chan struct{}),
	}

	if enableJSON {
		f, err := os.OpenFile(filepath.Join(dir, "actions.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit jsonl: %w", err)
		}
		l.jsonFile = f
		l.jsonWriter = bufio.NewWriterSize(f, 64*1024)
	}

	if enableCSV {
		f, err := os.OpenFile(filepath.Join(dir, "actions.csv"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			if l.jsonFile != nil {
				l.jsonFile.Close()
			}
			return nil, fmt.Errorf("open audit csv: %w", err)
		}
		l.csvFile = f
		l.csvWriter = csv.NewWriter(f)
		if off, _ := f.Seek(0, os.SEEK_END); off == 0 {
			header := []string{"timestamp", "kind", "farm_id", "device_id", "entity_id", "detail", "value"}
			if err := l.csvWriter.Write(header); err != nil {
				if l.jsonFile != nil {
					l.jsonFile.Close()
				}
				f.Close()
				return nil, fmt.Errorf("write audit csv header: %w", err)
			}
			l.csvWriter.Flush()
		}
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for e := range l.q {
			if l.jsonWriter != nil {
				_ = l.writeJSONL(e)
			}
			if l.csvWriter != nil {
				_ = l.writeCSV(e)
			}
		}
		if l.jsonWriter != nil {
			l.jsonWriter.Flush()
		}
		if l.csvWriter != nil {
			l.csvWriter.Flush()
		}
		close(l.closed)
	}()

	return l, nil
}

// Record queues an entry; it never blocks and drops when the queue is full.
func (l *Log) Record(e Entry) error {
	select {
	case l.q <- e:
		return nil
	default:
		return errors.New("audit queue full")
	}
}

// Attach subscribes the log to the engine's action events. Sensor readings
// are deliberately excluded: the audit log records decisions, not telemetry.
func (l *Log) Attach(bus *events.Bus) {
	bus.Subscribe(func(ev events.Event) {
		switch e := ev.(type) {
		case events.ThresholdAlert:
			v := e.Value
			_ = l.Record(Entry{
				Timestamp: e.Timestamp,
				Kind:      "threshold_alert",
				FarmID:    e.FarmID,
				DeviceID:  e.DeviceID,
				EntityID:  e.SensorID,
				Detail:    fmt.Sprintf("%s threshold %g", e.Direction, e.Threshold),
				Value:     &v,
			})
		case events.ActuatorStateChanged:
			_ = l.Record(Entry{
				Timestamp: e.Timestamp,
				Kind:      "actuator_state",
				FarmID:    e.FarmID,
				DeviceID:  e.DeviceID,
				EntityID:  e.ActuatorID,
				Detail:    fmt.Sprintf("%s by %s", e.State, e.Source),
			})
		case events.DeviceOnlineStatusChanged:
			detail := "offline"
			if e.IsOnline {
				detail = "online"
			}
			_ = l.Record(Entry{
				Timestamp: e.Timestamp,
				Kind:      "device_status",
				FarmID:    e.FarmID,
				DeviceID:  e.DeviceID,
				EntityID:  e.DeviceID,
				Detail:    detail,
			})
		case events.WriteFailure:
			_ = l.Record(Entry{
				Timestamp: e.Timestamp,
				Kind:      "write_failure",
				FarmID:    e.FarmID,
				DeviceID:  e.DeviceID,
				EntityID:  e.ActuatorID,
				Detail:    e.Reason,
			})
		}
	})
}

// Close drains the queue and closes the files.
func (l *Log) Close() {
	close(l.q)
	<-l.closed
	if l.jsonFile != nil {
		l.jsonFile.Close()
	}
	if l.csvFile != nil {
		l.csvFile.Close()
	}
}

func (l *Log) writeJSONL(e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := l.jsonWriter.Write(b); err != nil {
		return err
	}
	_, err = l.jsonWriter.WriteString("\n")
	return err
}

func (l *Log) writeCSV(e Entry) error {
	value := ""
	if e.Value != nil {
		value = fmt.Sprintf("%g", *e.Value)
	}
	return l.csvWriter.Write([]string{
		e.Timestamp.Format(time.RFC3339Nano),
		e.Kind,
		e.FarmID,
		e.DeviceID,
		e.EntityID,
		e.Detail,
		value,
	})
}
