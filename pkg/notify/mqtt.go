package notify

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Servers     []string  `mapstructure:"servers"`
	TopicPrefix string    `mapstructure:"topicPrefix"`
	ClientID    string    `mapstructure:"clientId"`
	Username    string    `mapstructure:"username"`
	Password    string    `mapstructure:"password"`
	QoS         byte      `mapstructure:"qos" validate:"lte=2"`
	Retained    bool      `mapstructure:"retained"`
	TLS         TLSConfig `mapstructure:"tls"`
}

// MQTTPublisher publishes to prefix/schema/table/op topics.
type MQTTPublisher struct {
	client   mqtt.Client
	prefix   string
	qos      byte
	retained bool
}

func NewMQTT(cfg MQTTConfig) (*MQTTPublisher, error) {
	opts, err := cfg.clientOptions()
	if err != nil {
		return nil, err
	}
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("broker connection error: %w", token.Error())
	}
	return &MQTTPublisher{
		client:   client,
		prefix:   cmp.Or(cfg.TopicPrefix, defaultPrefix),
		qos:      cfg.QoS,
		retained: cfg.Retained,
	}, nil
}

func (c MQTTConfig) clientOptions() (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()
	servers := c.Servers
	if len(servers) == 0 {
		servers = []string{"tcp://127.0.0.1:1883"}
	}
	for _, s := range servers {
		opts.AddBroker(s)
	}
	opts.SetClientID(cmp.Or(c.ClientID, "restbuddy-"+uuid.NewString()[:8]))
	opts.SetUsername(c.Username)
	opts.SetPassword(c.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)

	tlsConf, err := c.TLS.config()
	if err != nil {
		return nil, err
	}
	if tlsConf != nil {
		opts.SetTLSConfig(tlsConf)
	}
	return opts, nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	topic := ev.Subject(p.prefix, "/")
	token := p.client.Publish(topic, p.qos, p.retained, data)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
