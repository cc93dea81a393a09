// Package notify publishes the mutations performed through the REST layer to a
// message broker. Events carry the row image before and after the change, keyed the
// way change-data-capture streams are, so consumers of a logical replication feed
// can read them unchanged.
//
// Supported sinks are NATS (core or JetStream), Kafka and MQTT. Subjects and topics
// are built from a prefix, the table's schema, the table and the operation:
//
//	restbuddy.public.users.c    (NATS, Kafka)
//	restbuddy/public/users/c    (MQTT)
package notify

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/edgeflare/restbuddy/pkg/metrics"
	"github.com/edgeflare/restbuddy/pkg/model"
	"github.com/edgeflare/restbuddy/pkg/store"
	"go.uber.org/zap"
)

// Op is the kind of change an event describes.
type Op string

const (
	OpCreate Op = "c"
	OpUpdate Op = "u"
	OpDelete Op = "d"
)

const defaultPrefix = "restbuddy"

var ErrUnknownType = errors.New("notify: unknown publisher type")

// Event describes one committed mutation.
type Event struct {
	Op     Op           `json:"op"`
	Entity string       `json:"entity"`
	Schema string       `json:"schema,omitempty"`
	Table  string       `json:"table"`
	Key    string       `json:"key,omitempty"`
	Before store.Record `json:"before"`
	After  store.Record `json:"after"`
	TsMs   int64        `json:"ts_ms"`
}

// NewEvent builds an event for a change of e. Key is the primary key of whichever
// image is present, the after image taking precedence.
func NewEvent(op Op, e *model.Entity, before, after store.Record) Event {
	ev := Event{
		Op:     op,
		Entity: e.Name,
		Schema: e.Schema,
		Table:  e.Table,
		Before: before,
		After:  after,
		TsMs:   time.Now().UnixMilli(),
	}
	for _, img := range []store.Record{after, before} {
		if v, ok := img[e.PrimaryKey]; ok && v != nil {
			ev.Key = fmt.Sprint(v)
			break
		}
	}
	return ev
}

// Subject joins prefix, schema, table and op with sep. An empty schema is left out.
func (e Event) Subject(prefix, sep string) string {
	parts := make([]string, 0, 4)
	for _, p := range []string{prefix, e.Schema, e.Table, string(e.Op)} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, sep)
}

// Publisher delivers events to a sink. Publish must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Config selects and configures a sink. An empty Type disables publishing.
type Config struct {
	Type  string      `mapstructure:"type" validate:"omitempty,oneof=nats kafka mqtt"`
	NATS  NATSConfig  `mapstructure:"nats"`
	Kafka KafkaConfig `mapstructure:"kafka"`
	MQTT  MQTTConfig  `mapstructure:"mqtt"`
}

// TLSConfig is shared by every sink.
type TLSConfig struct {
	Enable     bool   `mapstructure:"enable"`
	CertFile   string `mapstructure:"certFile"`
	KeyFile    string `mapstructure:"keyFile"`
	CAFile     string `mapstructure:"caFile"`
	SkipVerify bool   `mapstructure:"skipVerify"`
}

func (c TLSConfig) config() (*tls.Config, error) {
	if !c.Enable {
		return nil, nil
	}
	t := &tls.Config{InsecureSkipVerify: c.SkipVerify}
	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		t.Certificates = []tls.Certificate{cert}
	}
	if c.CAFile != "" {
		ca, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("no certificates in %s", c.CAFile)
		}
		t.RootCAs = pool
	}
	return t, nil
}

// New connects the sink named by cfg.Type. Failed publishes are logged and counted
// per sink.
func New(cfg Config, logger *zap.Logger) (Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		p   Publisher
		err error
	)
	switch cfg.Type {
	case "":
		return Nop{}, nil
	case "nats":
		p, err = NewNATS(cfg.NATS)
	case "kafka":
		p, err = NewKafka(cfg.Kafka)
	case "mqtt":
		p, err = NewMQTT(cfg.MQTT)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s publisher: %w", cfg.Type, err)
	}
	logger.Info("notify publisher connected", zap.String("type", cfg.Type))
	return Instrument(cfg.Type, p, logger), nil
}

// Instrument wraps p so that failures are logged and counted under sink.
func Instrument(sink string, p Publisher, logger *zap.Logger) Publisher {
	return &instrumented{Publisher: p, sink: sink, logger: logger}
}

type instrumented struct {
	Publisher
	sink   string
	logger *zap.Logger
}

func (i *instrumented) Publish(ctx context.Context, ev Event) error {
	err := i.Publisher.Publish(ctx, ev)
	if err != nil {
		metrics.PublishErrors.WithLabelValues(i.sink).Inc()
		i.logger.Warn("publish event",
			zap.String("sink", i.sink),
			zap.String("entity", ev.Entity),
			zap.String("op", string(ev.Op)),
			zap.Error(err))
		return err
	}
	i.logger.Debug("event published", zap.String("sink", i.sink), zap.String("entity", ev.Entity), zap.String("op", string(ev.Op)))
	return nil
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	// Err, when set, is returned by every Publish and nothing is recorded.
	Err error
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of the recorded events in publish order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
