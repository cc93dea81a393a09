package notify

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the NATS sink. With Stream set events are published through
// JetStream into that stream, which is created when missing.
type NATSConfig struct {
	Servers       []string  `mapstructure:"servers"`
	Stream        string    `mapstructure:"stream"`
	SubjectPrefix string    `mapstructure:"subjectPrefix"`
	Username      string    `mapstructure:"username"`
	Password      string    `mapstructure:"password"`
	TLS           TLSConfig `mapstructure:"tls"`
}

// NATSPublisher publishes to prefix.schema.table.op subjects.
type NATSPublisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	prefix string
}

func NewNATS(cfg NATSConfig) (*NATSPublisher, error) {
	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{nats.DefaultURL}
	}
	cfg.SubjectPrefix = cmp.Or(cfg.SubjectPrefix, defaultPrefix)

	opts, err := natsOptions(cfg)
	if err != nil {
		return nil, err
	}

	var nc *nats.Conn
	for _, server := range cfg.Servers {
		if nc, err = nats.Connect(server, opts...); err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to NATS server: %w", err)
	}

	p := &NATSPublisher{nc: nc, prefix: cfg.SubjectPrefix}
	if cfg.Stream == "" {
		return p, nil
	}

	if p.js, err = nc.JetStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	if err := ensureStream(p.js, cfg.Stream, cfg.SubjectPrefix+".>"); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return p, nil
}

func natsOptions(cfg NATSConfig) ([]nats.Option, error) {
	opts := []nats.Option{
		nats.Name("restbuddy"),
		nats.Timeout(10 * time.Second),
		nats.PingInterval(20 * time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	tlsConf, err := cfg.TLS.config()
	if err != nil {
		return nil, err
	}
	if tlsConf != nil {
		opts = append(opts, nats.Secure(tlsConf))
	}
	return opts, nil
}

func ensureStream(js nats.JetStreamContext, name, subject string) error {
	conf := &nats.StreamConfig{
		Name:     name,
		Subjects: []string{subject},
		Storage:  nats.FileStorage,
		Replicas: 1,
	}
	if _, err := js.StreamInfo(name); err == nil {
		_, err = js.UpdateStream(conf)
		return err
	}
	_, err := js.AddStream(conf)
	return err
}

func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := ev.Subject(p.prefix, ".")
	if p.js != nil {
		if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
		return nil
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
