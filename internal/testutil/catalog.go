package testutil

import (
	_ "embed"
	"encoding/json"
	"testing"

	"github.com/edgeflare/restbuddy/pkg/model"
	"github.com/edgeflare/restbuddy/pkg/store"
	"github.com/edgeflare/restbuddy/pkg/store/memstore"
	"github.com/stretchr/testify/require"
)

// Catalog is a small video catalog used across tests:
//
//	User *-* Channel (through subscriptions) 1-* Content 1-1 Video
//
// User 1 (Swen) subscribes to both channels; each channel has one content item.
type Catalog struct {
	Registry *model.MemoryRegistry
	Store    *memstore.Store
	User     *model.Entity
	Channel  *model.Entity
	Content  *model.Entity
	Video    *model.Entity
}

func CatalogEntities() (user, channel, content, video *model.Entity) {
	user = &model.Entity{Name: "User", Table: "users", PrimaryKey: "id", Fields: []model.Field{
		{Name: "id", Type: "integer", PrimaryKey: true},
		{Name: "name", Type: "text"},
		{Name: "age", Type: "integer", Required: true},
		{Name: "email", Type: "text"},
	}}
	channel = &model.Entity{Name: "Channel", Table: "channels", PrimaryKey: "id", Fields: []model.Field{
		{Name: "id", Type: "integer", PrimaryKey: true},
		{Name: "name", Type: "text"},
		{Name: "price", Type: "double precision"},
	}}
	content = &model.Entity{Name: "Content", Table: "contents", PrimaryKey: "id", Fields: []model.Field{
		{Name: "id", Type: "integer", PrimaryKey: true},
		{Name: "title", Type: "text"},
		{Name: "type", Type: "text"},
		{Name: "channel_id", Type: "integer"},
	}}
	video = &model.Entity{Name: "Video", Table: "videos", PrimaryKey: "id", Fields: []model.Field{
		{Name: "id", Type: "integer", PrimaryKey: true},
		{Name: "bitrate", Type: "integer"},
		{Name: "content_id", Type: "integer"},
	}}

	model.RelateMany(user, channel, "subscriptions", "user_id", "channel_id")
	model.Relate(channel, content, "channel_id")
	model.RelateOne(content, video, "content_id")
	return user, channel, content, video
}

//go:embed testdata/catalog.json
var catalogJSON []byte

// NewCatalog builds the registry and an in-memory store seeded from
// testdata/catalog.json.
func NewCatalog(t testing.TB) *Catalog {
	t.Helper()
	user, channel, content, video := CatalogEntities()
	c := &Catalog{
		Registry: model.NewRegistry(user, channel, content, video),
		Store:    memstore.New(),
		User:     user,
		Channel:  channel,
		Content:  content,
		Video:    video,
	}

	var rows map[string][]store.Record
	require.NoError(t, json.Unmarshal(catalogJSON, &rows))

	inserted := make(map[string][]store.Record)
	for _, e := range []*model.Entity{user, channel, content, video} {
		inserted[e.Name] = c.Store.Insert(e, rows[e.Name]...)
	}

	swen := inserted["User"][0]
	for _, ch := range inserted["Channel"] {
		require.NoError(t, c.Store.Link(user, swen, channel, ch))
	}
	return c
}
