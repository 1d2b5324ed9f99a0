package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the broker connection for event fan-out.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // e.g. tcp://localhost:1883
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

// MQTTPublisher bridges the in-process bus onto MQTT topics consumed by the
// dashboard/notification collaborators and by gateway firmware:
//
//	farms/{farmId}/sensors/{sensorId}/reading
//	farms/{farmId}/alerts
//	farms/{farmId}/actuators/{actuatorId}/state
//	farms/{farmId}/alerts/write-failure
//	devices/{deviceId}/status
//	devices/{deviceId}/actuators/{actuatorId}/set   (GPIO commands to gateway)
//
// Publishing happens on a dedicated worker goroutine so a slow broker never
// stalls the polling or rule-evaluation goroutines; when the queue fills,
// events are dropped with a log line rather than applying backpressure.
type MQTTPublisher struct {
	client mqtt.Client
	qos    byte

	q    chan outbound
	done chan struct{}
	once sync.Once
}

type outbound struct {
	topic   string
	payload []byte
}

// NewMQTTPublisher connects to the broker and subscribes itself to the bus.
func NewMQTTPublisher(cfg MQTTConfig, bus *Bus) (*MQTTPublisher, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "ecofarmlogix-engine"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	c := mqtt.NewClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, token.Error())
	}
	p := newMQTTPublisher(c, cfg.QoS)
	bus.Subscribe(p.handle)
	return p, nil
}

func newMQTTPublisher(client mqtt.Client, qos byte) *MQTTPublisher {
	p := &MQTTPublisher{
		client: client,
		qos:    qos,
		q:      make(chan outbound, 256),
		done:   make(chan struct{}),
	}
	go p.worker()
	return p
}

// Client exposes the broker connection for subscribers sharing it.
func (p *MQTTPublisher) Client() mqtt.Client { return p.client }

// Close drains queued publishes and disconnects from the broker.
func (p *MQTTPublisher) Close() {
	p.once.Do(func() { close(p.q) })
	<-p.done
	p.client.Disconnect(250)
}

func (p *MQTTPublisher) worker() {
	defer close(p.done)
	for m := range p.q {
		token := p.client.Publish(m.topic, p.qos, false, m.payload)
		token.Wait()
		if token.Error() != nil {
			log.Printf("mqtt: publish %s: %v", m.topic, token.Error())
		}
	}
}

func (p *MQTTPublisher) handle(e Event) {
	switch ev := e.(type) {
	case SensorReading:
		p.publish(fmt.Sprintf("farms/%s/sensors/%s/reading", ev.FarmID, ev.SensorID), ev)
	case ThresholdAlert:
		p.publish(fmt.Sprintf("farms/%s/alerts", ev.FarmID), ev)
	case ActuatorStateChanged:
		p.publish(fmt.Sprintf("farms/%s/actuators/%s/state", ev.FarmID, ev.ActuatorID), ev)
	case DeviceOnlineStatusChanged:
		p.publish(fmt.Sprintf("devices/%s/status", ev.DeviceID), ev)
	case ActuatorCommand:
		p.publish(fmt.Sprintf("devices/%s/actuators/%s/set", ev.DeviceID, ev.ActuatorID), ev)
	case WriteFailure:
		p.publish(fmt.Sprintf("farms/%s/alerts/write-failure", ev.FarmID), ev)
	}
}

// publish queues the message for the worker; it never blocks the caller.
func (p *MQTTPublisher) publish(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Printf("mqtt: marshal %s: %v", topic, err)
		return
	}
	select {
	case p.q <- outbound{topic: topic, payload: payload}:
	default:
		log.Printf("mqtt: queue full, dropping %s", topic)
	}
}
