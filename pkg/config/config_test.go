package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgeflare/restbuddy/pkg/notify"
	"github.com/edgeflare/restbuddy/pkg/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
rest:
  listenAddr: ":8081"
  baseURL: /api
  schemas: [public, shop]
  pg:
    connString: postgres://app@localhost/app
    maxConns: 8
    retryFor: 5s
  cors:
    allowed_origins: ["https://example.com"]
buddy:
  maxPageSize: 50
  transformers:
    search:
      field: name
      op: ilike
      format: "%%%s%%"
routes:
  - methods: [GET, POST]
    path: /users
  - methods: [GET]
    path: /users/:id/channels
metrics:
  enabled: true
  addr: ":9200"
notify:
  type: nats
  nats:
    servers: ["nats://localhost:4222"]
    stream: RESTBUDDY
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "restbuddy.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadFile(t *testing.T) {
	p := writeConfig(t, sample)

	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, p, cfg.File)
	assert.Equal(t, ":8081", cfg.REST.ListenAddr)
	assert.Equal(t, "/api", cfg.REST.BaseURL)
	assert.Equal(t, []string{"public", "shop"}, cfg.REST.Schemas)
	assert.Equal(t, "postgres://app@localhost/app", cfg.REST.PG.ConnString)
	assert.EqualValues(t, 8, cfg.REST.PG.MaxConns)
	assert.Equal(t, 5*time.Second, cfg.REST.PG.RetryFor)
	require.NotNil(t, cfg.REST.CORS)
	assert.Equal(t, []string{"https://example.com"}, cfg.REST.CORS.AllowedOrigins)

	assert.Equal(t, 25, cfg.Buddy.DefaultPageSize)
	assert.Equal(t, 50, cfg.Buddy.MaxPageSize)
	assert.Equal(t, query.TransformerSpec{Field: "name", Op: query.OpILike, Format: "%%%s%%"}, cfg.Buddy.Transformers["search"])

	require.Len(t, cfg.Routes, 2)
	assert.Equal(t, "GET /users/:id/channels", cfg.Routes[1].String())

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9200", cfg.Metrics.Addr)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)

	assert.Equal(t, "nats", cfg.Notify.Type)
	assert.Equal(t, notify.NATSConfig{Servers: []string{"nats://localhost:4222"}, Stream: "RESTBUDDY"}, cfg.Notify.NATS)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	p := writeConfig(t, sample)
	t.Setenv("RESTBUDDY_REST_LISTENADDR", ":9999")
	t.Setenv("RESTBUDDY_BUDDY_MAXPAGESIZE", "10")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.REST.ListenAddr)
	assert.Equal(t, 10, cfg.Buddy.MaxPageSize)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	t.Setenv("RESTBUDDY_REST_PG_CONNSTRING", "postgres://localhost/test")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Empty(t, cfg.File)
	assert.Equal(t, ":8080", cfg.REST.ListenAddr)
	assert.Equal(t, "postgres://localhost/test", cfg.REST.PG.ConnString)
	assert.Equal(t, 30*time.Second, cfg.REST.PG.RetryFor)
	assert.Nil(t, cfg.REST.CORS)
	assert.Equal(t, 25, cfg.Buddy.DefaultPageSize)
	assert.Equal(t, 100, cfg.Buddy.MaxPageSize)
	assert.Empty(t, cfg.Routes)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Empty(t, cfg.Notify.Type)
}

func TestLoadInvalid(t *testing.T) {
	const pgOK = "rest:\n  pg:\n    connString: postgres://localhost/app\n"
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing connection string", "rest:\n  listenAddr: ':8080'\n", "rest.pg.connString"},
		{"relative base URL", "rest:\n  baseURL: api\n  pg:\n    connString: postgres://localhost/app\n", "rest.baseURL"},
		{"unknown route method", pgOK + "routes:\n  - methods: [FETCH]\n    path: /users\n", "routes[0].methods[0]"},
		{"relative route path", pgOK + "routes:\n  - methods: [GET]\n    path: users\n", "routes[0].path"},
		{"unknown notify type", pgOK + "notify:\n  type: amqp\n", "notify.type"},
		{"transformer without field", pgOK + "buddy:\n  transformers:\n    search:\n      op: ilike\n", "transformers[search].field"},
		{"transformer with unknown operator", pgOK + "buddy:\n  transformers:\n    search:\n      field: name\n      op: regex\n", "unknown operator"},
		{"replication without a sink", pgOK + "replication:\n  enabled: true\n", "replication.enabled requires notify.type"},
		{"key without cert", pgOK[:len("rest:\n")] + "  tls:\n    keyFile: key.pem\n" + pgOK[len("rest:\n"):], "rest.tls.certFile"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoadMalformedFile(t *testing.T) {
	_, err := Load(writeConfig(t, "rest: [unterminated"))
	assert.ErrorContains(t, err, "error reading config file")
}

func TestServerOptions(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	opts, err := cfg.ServerOptions(nil, notify.Nop{})
	require.NoError(t, err)
	assert.Equal(t, "/api", opts.BaseURL)
	assert.Len(t, opts.Routes, 2)
	assert.Equal(t, 50, opts.Buddy.MaxPageSize)
	assert.Equal(t, notify.Nop{}, opts.Buddy.Publisher)

	search := opts.Buddy.Transformers["search"]
	require.NotNil(t, search)
	assert.Equal(t, query.Where{"name": {{Op: query.OpILike, Value: "%ann%"}}}, search("ann"))
}
