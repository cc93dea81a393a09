package notify

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers     []string   `mapstructure:"brokers"`
	TopicPrefix string     `mapstructure:"topicPrefix"`
	Version     string     `mapstructure:"version"`
	SASL        *KafkaSASL `mapstructure:"sasl"`
	TLS         TLSConfig  `mapstructure:"tls"`
}

// KafkaSASL enables SCRAM authentication. Algorithm is sha256 or sha512.
type KafkaSASL struct {
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Algorithm string `mapstructure:"algorithm"`
}

// KafkaPublisher sends each event to prefix.schema.table.op, keyed by primary key.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	prefix   string
}

func NewKafka(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	conf, err := cfg.saramaConfig()
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, conf)
	if err != nil {
		return nil, fmt.Errorf("create sync producer: %w", err)
	}
	return &KafkaPublisher{producer: producer, prefix: cmp.Or(cfg.TopicPrefix, defaultPrefix)}, nil
}

func (c KafkaConfig) saramaConfig() (*sarama.Config, error) {
	conf := sarama.NewConfig()
	if c.Version != "" {
		version, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return nil, fmt.Errorf("parse kafka version: %w", err)
		}
		conf.Version = version
	}

	if c.SASL != nil {
		conf.Net.SASL.Enable = true
		conf.Net.SASL.User = c.SASL.Username
		conf.Net.SASL.Password = c.SASL.Password
		conf.Net.SASL.Handshake = true

		switch cmp.Or(c.SASL.Algorithm, "sha512") {
		case "sha512":
			conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &scramClient{HashGeneratorFcn: SHA512} }
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		case "sha256":
			conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &scramClient{HashGeneratorFcn: SHA256} }
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		default:
			return nil, fmt.Errorf("invalid SASL algorithm: %s", c.SASL.Algorithm)
		}
	}

	tlsConf, err := c.TLS.config()
	if err != nil {
		return nil, err
	}
	if tlsConf != nil {
		conf.Net.TLS.Enable = true
		conf.Net.TLS.Config = tlsConf
	}

	conf.ClientID = "restbuddy"
	conf.Producer.Retry.Max = 5
	conf.Producer.RequiredAcks = sarama.WaitForAll
	conf.Producer.Return.Successes = true
	return conf, nil
}

// Publish blocks until the broker acknowledges the message. The sync producer does not
// take a context, so ctx is only checked before sending.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: ev.Subject(p.prefix, "."),
		Value: sarama.ByteEncoder(data),
	}
	if ev.Key != "" {
		msg.Key = sarama.StringEncoder(ev.Key)
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("send to %s: %w", msg.Topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
