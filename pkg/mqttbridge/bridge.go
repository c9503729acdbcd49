// Package mqttbridge mirrors the telemetry bus onto an MQTT broker in the
// Venus OS dbus-flashmq layout: values are published retained on
// "<prefix>/N/<service><path>" and writes are accepted on
// "<prefix>/W/<service><path>".
package mqttbridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/NotCoffee418/venus_sensor_bridge/pkg/telemetry"
	"github.com/NotCoffee418/venus_sensor_bridge/pkg/types"
)

var ErrPayload = errors.New("invalid write payload")

const connectTimeout = 10 * time.Second

type Options struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

type Bridge struct {
	client mqtt.Client
	prefix string
	qos    byte
	log    *log.Logger

	mu  sync.Mutex
	bus *telemetry.Bus
}

// Connect dials the broker. The client reconnects on its own and restores
// the write subscription after every reconnect.
func Connect(opts Options) (*Bridge, error) {
	b := &Bridge{
		prefix: strings.TrimSuffix(opts.TopicPrefix, "/"),
		qos:    opts.QoS,
		log:    log.WithPrefix("mqtt"),
	}

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(opts.Broker)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetUsername(opts.Username)
	clientOpts.SetPassword(opts.Password)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectTimeout(connectTimeout)
	clientOpts.SetOnConnectHandler(func(mqtt.Client) {
		b.log.Info("Connected to MQTT broker", "broker", opts.Broker)
		b.mu.Lock()
		bus := b.bus
		b.mu.Unlock()
		if bus != nil {
			if err := b.subscribe(bus); err != nil {
				b.log.Error("Failed to restore write subscription", "err", err)
			}
		}
	})
	clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.log.Warn("Connection to MQTT broker lost", "err", err)
	})

	b.client = mqtt.NewClient(clientOpts)
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("error connecting to MQTT broker %s: %w", opts.Broker, err)
	}
	return b, nil
}

// Publish sends one update retained. It does not wait for the broker.
func (b *Bridge) Publish(u types.TelemetryUpdate) {
	payload, err := EncodeValue(u.Value)
	if err != nil {
		b.log.Error("Failed to encode value", "service", u.Service, "path", u.Path, "err", err)
		return
	}
	b.client.Publish(ValueTopic(b.prefix, u.Service, u.Path), b.qos, true, payload)
}

// SubscribeWrites forwards writes received on "<prefix>/W/#" to bus.
func (b *Bridge) SubscribeWrites(bus *telemetry.Bus) error {
	b.mu.Lock()
	b.bus = bus
	b.mu.Unlock()
	return b.subscribe(bus)
}

func (b *Bridge) subscribe(bus *telemetry.Bus) error {
	topic := b.prefix + "/W/#"
	token := b.client.Subscribe(topic, b.qos, writeHandler(bus, b.prefix, b.log))
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("timed out subscribing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscription error on %s: %w", topic, err)
	}
	b.log.Infof("subscribed to topic: ['%s'] with Qos: [%d]", topic, b.qos)
	return nil
}

func (b *Bridge) Close() {
	b.log.Info("Disconnecting from MQTT broker")
	b.client.Disconnect(250)
}

func writeHandler(bus *telemetry.Bus, prefix string, logger *log.Logger) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		service, path, ok := ParseWriteTopic(prefix, msg.Topic())
		if !ok {
			logger.Debug("Ignoring topic", "topic", msg.Topic())
			return
		}
		value, err := DecodeWriteValue(msg.Payload())
		if err != nil {
			logger.Warn("Ignoring write", "topic", msg.Topic(), "err", err)
			return
		}
		if err := bus.Write(service, path, value); err != nil {
			logger.Warn("Write failed", "service", service, "path", path, "err", err)
			return
		}
		logger.Info("Write accepted", "service", service, "path", path, "value", value)
	}
}

// ValueTopic returns the notification topic of a path; path starts with "/".
func ValueTopic(prefix, service, path string) string {
	return prefix + "/N/" + service + path
}

// ParseWriteTopic splits "<prefix>/W/<service>/<path>" into service and
// "/<path>".
func ParseWriteTopic(prefix, topic string) (service, path string, ok bool) {
	rest, found := strings.CutPrefix(topic, prefix+"/W/")
	if !found {
		return "", "", false
	}
	service, p, found := strings.Cut(rest, "/")
	if !found || service == "" || p == "" {
		return "", "", false
	}
	return service, "/" + p, true
}

// EncodeValue wraps v as {"value": v}.
func EncodeValue(v any) ([]byte, error) {
	return json.Marshal(struct {
		Value any `json:"value"`
	}{v})
}

// DecodeWriteValue extracts the value of a {"value": ...} payload as the
// text the bus write handlers parse. Numbers keep their literal form.
func DecodeWriteValue(payload []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var msg struct {
		Value any `json:"value"`
	}
	if err := dec.Decode(&msg); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPayload, err)
	}

	switch v := msg.Value.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		if v {
			return "1", nil
		}
		return "0", nil
	case nil:
		return "", fmt.Errorf("%w: missing value", ErrPayload)
	default:
		return "", fmt.Errorf("%w: unsupported value %s", ErrPayload, strconv.Quote(fmt.Sprint(v)))
	}
}
