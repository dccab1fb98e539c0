package mqtt

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"

	"github.com/eddielth/relay-sync/config"
	"github.com/eddielth/relay-sync/logger"
	"github.com/eddielth/relay-sync/model"
	"github.com/eddielth/relay-sync/syncer"
)

// SetSuffix is appended to a value topic to form its write topic
const SetSuffix = "/set"

// Provider publishes tag values as retained MQTT messages and turns
// messages on {prefix}/{path}/set into write handler calls
type Provider struct {
	client mqtt.Client
	config config.MQTTConfig

	mutex    sync.RWMutex
	handlers map[string]syncer.WriteHandler
}

// valuePayload is the body of a value topic
type valuePayload struct {
	Value     interface{}   `json:"value"`
	Quality   model.Quality `json:"quality"`
	Timestamp string        `json:"timestamp"`
}

// NewProvider creates a provider. Connect must be called before use.
func NewProvider(cfg config.MQTTConfig) (*Provider, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address cannot be empty")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "relay-sync"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("relay-sync-%d", time.Now().Unix())
	}

	p := &Provider{
		config:   cfg,
		handlers: make(map[string]syncer.WriteHandler),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Error("MQTT connection lost: %v", err)
	})

	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info("trying to reconnect to MQTT broker...")
	})

	// subscriptions do not survive a clean session reconnect
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		p.resubscribe()
	})

	p.client = mqtt.NewClient(opts)
	return p, nil
}

// Connect connects to the MQTT broker
func (p *Provider) Connect() error {
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("connection to MQTT broker timed out")
	}

	if err := token.Error(); err != nil {
		return err
	}

	logger.Info("successfully connected to MQTT broker: %s", p.config.Broker)
	return nil
}

// Disconnect disconnects from the MQTT broker
func (p *Provider) Disconnect() {
	p.client.Disconnect(250)
	logger.Info("disconnected from MQTT broker")
}

// ValueTopic returns the topic a tag path is published on
func ValueTopic(prefix, path string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(path, "/")
}

// SetTopic returns the topic writes to a tag path arrive on
func SetTopic(prefix, path string) string {
	return ValueTopic(prefix, path) + SetSuffix
}

// PathFromSetTopic is the inverse of SetTopic
func PathFromSetTopic(prefix, topic string) (string, bool) {
	head := strings.TrimSuffix(prefix, "/") + "/"
	if !strings.HasPrefix(topic, head) || !strings.HasSuffix(topic, SetSuffix) {
		return "", false
	}
	path := strings.TrimSuffix(strings.TrimPrefix(topic, head), SetSuffix)
	return path, path != ""
}

func encodeValue(value model.Value, quality model.Quality, ts time.Time) ([]byte, error) {
	return json.Marshal(valuePayload{
		Value:     value.Interface(),
		Quality:   quality,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	})
}

// decodeWritePayload accepts {"value": x} or a bare JSON scalar. Numbers
// are kept as json.Number.
func decodeWritePayload(payload []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid write payload: %w", err)
	}

	if obj, ok := raw.(map[string]interface{}); ok {
		v, ok := obj["value"]
		if !ok {
			return nil, fmt.Errorf("write payload has no value field")
		}
		return v, nil
	}
	return raw, nil
}

// UpdateValue publishes a retained value message
func (p *Provider) UpdateValue(path string, value model.Value, quality model.Quality, ts time.Time) {
	payload, err := encodeValue(value, quality, ts)
	if err != nil {
		logger.Error("failed to encode value of %s: %v", path, err)
		return
	}

	topic := ValueTopic(p.config.TopicPrefix, path)
	token := p.client.Publish(topic, p.config.QoS, true, payload)
	go func() {
		if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
			logger.Warn("publish to %s failed: %v", topic, token.Error())
		}
	}()
}

// RegisterWriteHandler subscribes to the path's write topic
func (p *Provider) RegisterWriteHandler(path string, handler syncer.WriteHandler) error {
	p.mutex.Lock()
	p.handlers[path] = handler
	p.mutex.Unlock()

	if p.client == nil || !p.client.IsConnected() {
		// subscribed by the connect handler
		return nil
	}
	return p.subscribe(path)
}

func (p *Provider) subscribe(path string) error {
	topic := SetTopic(p.config.TopicPrefix, path)
	token := p.client.Subscribe(topic, p.config.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		logger.Debug("received write on topic %s", msg.Topic())
		p.dispatch(msg.Topic(), msg.Payload())
	})

	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscription to topic %s timed out", topic)
	}

	if err := token.Error(); err != nil {
		return err
	}

	logger.Debug("subscribed to topic: %s", topic)
	return nil
}

func (p *Provider) resubscribe() {
	p.mutex.RLock()
	paths := make([]string, 0, len(p.handlers))
	for path := range p.handlers {
		paths = append(paths, path)
	}
	p.mutex.RUnlock()

	for _, path := range paths {
		if err := p.subscribe(path); err != nil {
			logger.Warn("failed to subscribe to writes of %s: %v", path, err)
		}
	}
	if len(paths) > 0 {
		logger.Info("subscribed to %d write topics", len(paths))
	}
}

// dispatch routes a write message to the handler of its path
func (p *Provider) dispatch(topic string, payload []byte) {
	path, ok := PathFromSetTopic(p.config.TopicPrefix, topic)
	if !ok {
		logger.Warn("ignoring message on unexpected topic %s", topic)
		return
	}

	p.mutex.RLock()
	handler, ok := p.handlers[path]
	p.mutex.RUnlock()
	if !ok {
		logger.Warn("no write handler for %s", path)
		return
	}

	raw, err := decodeWritePayload(payload)
	if err != nil {
		logger.Warn("write to %s rejected: %v", path, err)
		return
	}

	if err := handler(context.Background(), raw); err != nil {
		logger.Warn("write to %s failed: %v", path, err)
	}
}
