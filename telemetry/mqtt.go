package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/berr-exo/exodrive/loop"
	"github.com/berr-exo/exodrive/util"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// ErrPublishTimeout is generated when the broker does not take a message in time
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// MQTTConfig locates the broker and topic
type MQTTConfig struct {
	Enabled  bool    `koanf:"enabled" yaml:"enabled" json:"enabled"`
	Broker   string  `koanf:"broker" yaml:"broker" json:"broker"`
	Port     int     `koanf:"port" yaml:"port" json:"port"`
	ClientID string  `koanf:"client_id" yaml:"client_id" json:"clientId"`
	Topic    string  `koanf:"topic" yaml:"topic" json:"topic"`
	QoS      int     `koanf:"qos" yaml:"qos" json:"qos"`
	Timeout  float64 `koanf:"timeout" yaml:"timeout" json:"timeout"`
}

// MQTTSink publishes every status as JSON.  It satisfies loop.Sink.
type MQTTSink struct {
	client  mqtt.Client
	topic   string
	qos     byte
	timeout time.Duration
	kt      float64
}

// NewMQTTSink wraps a connected client
func NewMQTTSink(client mqtt.Client, topic string, qos byte, timeout time.Duration, torqueConstant float64) *MQTTSink {
	return &MQTTSink{client: client, topic: topic, qos: qos, timeout: timeout, kt: torqueConstant}
}

// DialMQTT connects to the broker in cfg.  The client reconnects on its own
// after a lost connection.
func DialMQTT(cfg MQTTConfig, torqueConstant float64, logger golog.Logger) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Infow("connected to MQTT broker", "broker", cfg.Broker, "port", cfg.Port)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warnw("MQTT connection lost", "error", err)
	}
	client := mqtt.NewClient(opts)
	timeout := util.SecsToDuration(cfg.Timeout)
	if timeout <= 0 {
		timeout = 20 * time.Millisecond
	}
	tok := client.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return nil, errors.Errorf("connecting to MQTT broker %s:%d timed out", cfg.Broker, cfg.Port)
	}
	if err := tok.Error(); err != nil {
		return nil, errors.Wrap(err, "connecting to MQTT broker")
	}
	return NewMQTTSink(client, cfg.Topic, byte(cfg.QoS), timeout, torqueConstant), nil
}

// Emit satisfies loop.Sink
func (m *MQTTSink) Emit(s loop.Status) error {
	payload, err := json.Marshal(FromStatus(s, m.kt))
	if err != nil {
		return err
	}
	tok := m.client.Publish(m.topic, m.qos, false, payload)
	if !tok.WaitTimeout(m.timeout) {
		return ErrPublishTimeout
	}
	return tok.Error()
}

// Close disconnects from the broker
func (m *MQTTSink) Close() error {
	m.client.Disconnect(250)
	return nil
}
