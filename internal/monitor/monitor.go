package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e2openplugins/webgrab/internal/config"
	"github.com/e2openplugins/webgrab/internal/logging"
	"github.com/e2openplugins/webgrab/internal/state"
)

const (
	navTopic = "nav/current"
	pipTopic = "pip/current"
)

// Monitor follows the TV stack's playback announcements on the broker and
// keeps the playback context current.
type Monitor struct {
	cfg      config.MQTT
	playback *state.Playback
	client   mqtt.Client
}

func New(cfg config.MQTT, playback *state.Playback) *Monitor {
	return &Monitor{cfg: cfg, playback: playback}
}

// Topics returns the subscribed topics.
func (m *Monitor) Topics() []string {
	prefix := strings.TrimSuffix(m.cfg.TopicPrefix, "/")
	return []string{prefix + "/" + navTopic, prefix + "/" + pipTopic}
}

// Run connects, subscribes and blocks until ctx is done. Without a
// reachable broker it logs and returns nil: captures still work, they
// just fall back to generic names.
func (m *Monitor) Run(ctx context.Context) error {
	broker, ok := ResolveBroker(m.cfg.Broker)
	if !ok {
		logging.InfoLogger.Println("No MQTT broker configured, playback monitoring disabled")
		return nil
	}

	opts := mqtt.NewClientOptions().AddBroker(broker)
	opts.SetClientID(m.cfg.ClientID)
	opts.SetDefaultPublishHandler(m.messageHandler())
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		for _, topic := range m.Topics() {
			logging.InfoLogger.Printf("Subscribing to topic %s", topic)
			if token := c.Subscribe(topic, 0, nil); token.Wait() && token.Error() != nil {
				logging.ErrorLogger.Printf("Failed to subscribe to topic %s: %v", topic, token.Error())
			}
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logging.WarningLogger.Printf("Lost connection to MQTT broker: %v", err)
	})

	m.client = mqtt.NewClient(opts)
	token := m.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect to MQTT broker %s: %w", broker, err)
		}
	case <-ctx.Done():
		m.client.Disconnect(250)
		return nil
	}

	logging.InfoLogger.Printf("MQTT monitoring started on %s", broker)
	<-ctx.Done()
	m.client.Disconnect(250)
	logging.InfoLogger.Println("MQTT monitoring stopped")
	return nil
}

func (m *Monitor) messageHandler() mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		m.handle(msg.Topic(), msg.Payload())
	}
}

func (m *Monitor) handle(topic string, payload []byte) {
	var err error
	switch {
	case strings.HasSuffix(topic, "/"+navTopic):
		err = m.playback.UpdateFromNavMessage(payload)
	case strings.HasSuffix(topic, "/"+pipTopic):
		err = m.playback.UpdateFromPipMessage(payload)
	default:
		logging.Trace("Ignoring message on %s", topic)
		return
	}
	if err != nil {
		logging.ErrorLogger.Printf("Error handling message on %s: %v", topic, err)
	}
}
