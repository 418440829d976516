package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-logr/logr"

	"github.com/eddielth/shellyd/config"
	"github.com/eddielth/shellyd/storage"
)

// Client represents an MQTT client
type Client struct {
	client mqtt.Client
	config config.MQTTConfig
	log    logr.Logger
}

// Publisher is a storage sink publishing each record to
// {topic_prefix}/{station}/{sensor}
type Publisher struct {
	client *Client
}

// Message is the published payload
type Message struct {
	Device      string  `json:"device"`
	Station     string  `json:"station"`
	Sensor      string  `json:"sensor"`
	TimeKey     int64   `json:"timekey"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Voltage     float64 `json:"voltage"`
	Capacity    float64 `json:"capacity"`
}

// NewPublisher connects to the configured broker
func NewPublisher(log logr.Logger, cfg config.MQTTConfig) (*Publisher, error) {
	mqttClient, err := newClient(log, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MQTT client: %w", err)
	}

	if err := mqttClient.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	return &Publisher{client: mqttClient}, nil
}

// Topic returns the topic for a station/sensor pair
func Topic(prefix, station, sensor string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return station + "/" + sensor
	}
	return prefix + "/" + station + "/" + sensor
}

// NewMessage converts a record into its published form
func NewMessage(rec storage.Record) Message {
	return Message{
		Device:      rec.Device.ID,
		Station:     rec.Device.Station,
		Sensor:      rec.Device.Sensor,
		TimeKey:     rec.TimeKey,
		Temperature: rec.Temperature,
		Humidity:    rec.Humidity,
		Voltage:     rec.Voltage,
		Capacity:    rec.Capacity,
	}
}

// Store publishes rec
func (p *Publisher) Store(ctx context.Context, rec storage.Record) error {
	payload, err := json.Marshal(NewMessage(rec))
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, Topic(p.client.config.TopicPrefix, rec.Device.Station, rec.Device.Sensor), payload)
}

// Name implements storage.Sink
func (p *Publisher) Name() string { return "mqtt" }

// Close disconnects from the broker
func (p *Publisher) Close() error {
	p.client.Disconnect()
	return nil
}

// newClient creates a new MQTT client
func newClient(log logr.Logger, config config.MQTTConfig) (*Client, error) {
	if config.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address cannot be empty")
	}
	log = log.WithName("mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)

	if config.ClientID == "" {
		config.ClientID = fmt.Sprintf("shellyd-%d", time.Now().Unix())
	}
	opts.SetClientID(config.ClientID)

	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Error(err, "MQTT connection lost")
	})

	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		log.Info("trying to reconnect to MQTT broker")
	})

	client := mqtt.NewClient(opts)

	return &Client{
		client: client,
		config: config,
		log:    log,
	}, nil
}

// Connect connects to the MQTT broker
func (c *Client) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("connection to MQTT broker timed out")
	}

	if err := token.Error(); err != nil {
		return err
	}

	c.log.Info("successfully connected to MQTT broker", "broker", c.config.Broker)
	return nil
}

// Publish sends payload to topic and waits for the broker to acknowledge it
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	token := c.client.Publish(topic, c.config.QoS, c.config.Retain, payload)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("publish to topic %s timed out", topic)
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to topic %s: %w", topic, err)
	}

	c.log.V(1).Info("published", "topic", topic, "bytes", len(payload))
	return nil
}

// Disconnect disconnects from the MQTT broker
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
	c.log.Info("disconnected from MQTT broker")
}
