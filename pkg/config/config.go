package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/edgeflare/restbuddy/pkg/httputil/middleware"
	"github.com/edgeflare/restbuddy/pkg/metrics"
	"github.com/edgeflare/restbuddy/pkg/notify"
	"github.com/edgeflare/restbuddy/pkg/pglogrepl"
	pg "github.com/edgeflare/restbuddy/pkg/pgx"
	"github.com/edgeflare/restbuddy/pkg/query"
	"github.com/edgeflare/restbuddy/pkg/rest"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Version is set at build time with -ldflags "-X .../pkg/config.Version=...".
var Version = "dev"

const (
	Name      = "restbuddy"
	EnvPrefix = "RESTBUDDY"
)

// Config holds application-wide configuration
type Config struct {
	REST    RESTConfig         `mapstructure:"rest"`
	Buddy   BuddyConfig        `mapstructure:"buddy"`
	Routes  []rest.RouteConfig `mapstructure:"routes" validate:"dive"`
	Metrics MetricsConfig      `mapstructure:"metrics"`
	Notify  notify.Config      `mapstructure:"notify"`
	// Replication, when enabled, publishes changes read from the WAL instead of the
	// mutations made through the API.
	Replication pglogrepl.Config `mapstructure:"replication"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

type RESTConfig struct {
	PG         pg.PoolConfig           `mapstructure:"pg"`
	ListenAddr string                  `mapstructure:"listenAddr" validate:"required"`
	BaseURL    string                  `mapstructure:"baseURL" validate:"omitempty,startswith=/"`
	Schemas    []string                `mapstructure:"schemas"`
	CORS       *middleware.CORSOptions `mapstructure:"cors"`
	TLS        TLSConfig               `mapstructure:"tls"`
}

type TLSConfig struct {
	CertFile string `mapstructure:"certFile" validate:"required_with=KeyFile"`
	KeyFile  string `mapstructure:"keyFile" validate:"required_with=CertFile"`
}

type BuddyConfig struct {
	DefaultPageSize int                              `mapstructure:"defaultPageSize" validate:"gte=0"`
	MaxPageSize     int                              `mapstructure:"maxPageSize" validate:"gte=0"`
	Transformers    map[string]query.TransformerSpec `mapstructure:"transformers" validate:"dive"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	metrics.PromServerOpts `mapstructure:",squash"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rest.listenAddr", ":8080")
	v.SetDefault("rest.baseURL", "")
	v.SetDefault("rest.pg.connString", "")
	v.SetDefault("rest.pg.maxConns", 0)
	v.SetDefault("rest.pg.retryFor", "30s")
	v.SetDefault("buddy.defaultPageSize", rest.DefaultPageSize)
	v.SetDefault("buddy.maxPageSize", rest.MaxPageSize)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9100")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("notify.type", "")
	v.SetDefault("replication.enabled", false)
}

// Load reads config from cfgFile, or restbuddy.yaml in ~/.config or the working
// directory. Environment variables take precedence over the file, e.g.
// RESTBUDDY_REST_PG_CONNSTRING overrides rest.pg.connString.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(Name)
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields by their config key
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the struct tags of the whole tree, then what tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag())
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := query.BuildTransformers(c.Buddy.Transformers); err != nil {
		return fmt.Errorf("invalid config: buddy.%w", err)
	}
	if c.Replication.Enabled && c.Notify.Type == "" {
		return errors.New("invalid config: replication.enabled requires notify.type")
	}
	return nil
}

// BuddyOptions converts the buddy section into rest.Options.
func (c *Config) BuddyOptions(logger *zap.Logger, publisher notify.Publisher) (rest.Options, error) {
	t, err := query.BuildTransformers(c.Buddy.Transformers)
	if err != nil {
		return rest.Options{}, err
	}
	return rest.Options{
		DefaultPageSize: c.Buddy.DefaultPageSize,
		MaxPageSize:     c.Buddy.MaxPageSize,
		Transformers:    t,
		Logger:          logger,
		Publisher:       publisher,
	}, nil
}

// ServerOptions converts the rest, buddy and routes sections into rest.ServerOptions.
func (c *Config) ServerOptions(logger *zap.Logger, publisher notify.Publisher) (rest.ServerOptions, error) {
	buddy, err := c.BuddyOptions(logger, publisher)
	if err != nil {
		return rest.ServerOptions{}, err
	}
	return rest.ServerOptions{
		ListenAddr:  c.REST.ListenAddr,
		BaseURL:     c.REST.BaseURL,
		Schemas:     c.REST.Schemas,
		Routes:      c.Routes,
		CORS:        c.REST.CORS,
		Buddy:       buddy,
		TLSCertFile: c.REST.TLS.CertFile,
		TLSKeyFile:  c.REST.TLS.KeyFile,
	}, nil
}
