package memstore_test

import (
	"context"
	"testing"

	"github.com/edgeflare/restbuddy/internal/testutil"
	"github.com/edgeflare/restbuddy/pkg/query"
	"github.com/edgeflare/restbuddy/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(recs []store.Record, field string) []any {
	out := make([]any, len(recs))
	for i, r := range recs {
		out[i] = r[field]
	}
	return out
}

func TestFindMany(t *testing.T) {
	c := testutil.NewCatalog(t)
	ctx := context.Background()

	recs, err := c.Store.FindMany(ctx, &query.Descriptor{Model: c.User, Where: query.Where{"age": {query.Eq("22")}}})
	require.NoError(t, err)
	assert.Equal(t, []any{"Selm"}, names(recs, "name"))

	recs, err = c.Store.FindMany(ctx, &query.Descriptor{Model: c.User, Order: &query.Order{Field: "age", Direction: query.Asc}})
	require.NoError(t, err)
	assert.Equal(t, []any{"Avon", "Selm", "Swen"}, names(recs, "name"))

	one, two := 1, 1
	recs, err = c.Store.FindMany(ctx, &query.Descriptor{
		Model:  c.User,
		Order:  &query.Order{Field: "age", Direction: query.Asc},
		Limit:  &one,
		Offset: &two,
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"Selm"}, names(recs, "name"))

	neg := -2
	recs, err = c.Store.FindMany(ctx, &query.Descriptor{Model: c.User, Limit: &one, Offset: &neg})
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	recs, err = c.Store.FindMany(ctx, &query.Descriptor{Model: c.User, Limit: &neg})
	require.NoError(t, err)
	assert.Empty(t, recs)

	recs, err = c.Store.FindMany(ctx, &query.Descriptor{Model: c.User, Where: query.Where{
		"name": {{Op: query.OpLike, Value: "%wen%"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, []any{"Swen"}, names(recs, "name"))

	recs, err = c.Store.FindMany(ctx, &query.Descriptor{Model: c.User, Where: query.Where{"age": {query.Eq("99")}}})
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestOperators(t *testing.T) {
	c := testutil.NewCatalog(t)
	ctx := context.Background()

	tests := []struct {
		name string
		w    query.Where
		want []any
	}{
		{"gt", query.Where{"age": {{Op: query.OpGt, Value: "20"}}}, []any{"Swen", "Selm"}},
		{"range", query.Where{"age": {{Op: query.OpGte, Value: 16}, {Op: query.OpLt, Value: 25}}}, []any{"Selm", "Avon"}},
		{"neq", query.Where{"name": {{Op: query.OpNeq, Value: "Swen"}}}, []any{"Selm", "Avon"}},
		{"ilike", query.Where{"name": {{Op: query.OpILike, Value: "s%"}}}, []any{"Swen", "Selm"}},
		{"in", query.Where{"id": {{Op: query.OpIn, Value: []any{"1", "3"}}}}, []any{"Swen", "Avon"}},
		{"is null", query.Where{"name": {{Op: query.OpIs, Value: nil}}}, []any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := c.Store.FindMany(ctx, &query.Descriptor{Model: c.User, Where: tt.w})
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(recs, "name"))
		})
	}

	_, err := c.Store.FindMany(ctx, &query.Descriptor{Model: c.User, Where: query.Where{"id": {{Op: query.OpIn, Value: "1"}}}})
	assert.Error(t, err)
}

func TestFindThroughIncludes(t *testing.T) {
	c := testutil.NewCatalog(t)
	ctx := context.Background()

	// /users/1/channels
	recs, err := c.Store.FindMany(ctx, &query.Descriptor{
		Model:   c.Channel,
		Include: &query.Descriptor{Model: c.User, Where: query.Where{"id": {query.Eq("1")}}, JoinOnly: true},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"Episode Channel", "Movie Channel"}, names(recs, "name"))

	// /users/2/channels/2
	_, err = c.Store.FindOne(ctx, &query.Descriptor{
		Model:   c.Channel,
		Where:   query.Where{"id": {query.Eq("2")}},
		Include: &query.Descriptor{Model: c.User, Where: query.Where{"id": {query.Eq("2")}}, JoinOnly: true},
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	// /channels/1/contents
	recs, err = c.Store.FindMany(ctx, &query.Descriptor{
		Model:   c.Content,
		Include: &query.Descriptor{Model: c.Channel, Where: query.Where{"id": {query.Eq("1")}}, JoinOnly: true},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"House of Cards"}, names(recs, "title"))

	// /users/1/channels/2/contents/:id/videos: three levels deep
	recs, err = c.Store.FindMany(ctx, &query.Descriptor{
		Model: c.Video,
		Include: &query.Descriptor{
			Model: c.Content, JoinOnly: true,
			Include: &query.Descriptor{
				Model: c.Channel, Where: query.Where{"id": {query.Eq("2")}}, JoinOnly: true,
				Include: &query.Descriptor{Model: c.User, Where: query.Where{"id": {query.Eq("1")}}, JoinOnly: true},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{float64(200)}, names(recs, "bitrate"))

	// channels seen from the content side use the inverse relation
	recs, err = c.Store.FindMany(ctx, &query.Descriptor{
		Model:   c.Channel,
		Include: &query.Descriptor{Model: c.Content, Where: query.Where{"title": {query.Eq("Spirited Away")}}, JoinOnly: true},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"Movie Channel"}, names(recs, "name"))

	_, err = c.Store.FindMany(ctx, &query.Descriptor{Model: c.User, Include: &query.Descriptor{Model: c.Video}})
	assert.Error(t, err)
}

func TestCreate(t *testing.T) {
	c := testutil.NewCatalog(t)
	ctx := context.Background()

	rec, err := c.Store.Create(ctx, c.User, store.Record{"name": "John", "age": 32})
	require.NoError(t, err)
	assert.EqualValues(t, 4, rec["id"])

	_, err = c.Store.Create(ctx, c.User, store.Record{"name": "John"})
	var verr *store.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, map[string]string{"age": "is required"}, verr.Fields)
	assert.Equal(t, "validation failed for User: age: is required", verr.Error())

	_, err = c.Store.Create(ctx, c.User, store.Record{"age": 1, "nickname": "jo"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "unknown field", verr.Fields["nickname"])
}

func TestCreateRelated(t *testing.T) {
	c := testutil.NewCatalog(t)
	ctx := context.Background()

	channel, err := c.Store.FindOne(ctx, &query.Descriptor{Model: c.Channel, Where: query.Where{"id": {query.Eq("1")}}})
	require.NoError(t, err)

	content, err := c.Store.CreateRelated(ctx, c.Channel, channel, c.Content, store.Record{"title": "The Simpsons", "type": "Episode"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, content["channel_id"])

	// many-to-many: a channel created under a user is linked through subscriptions
	avon, err := c.Store.FindOne(ctx, &query.Descriptor{Model: c.User, Where: query.Where{"name": {query.Eq("Avon")}}})
	require.NoError(t, err)
	_, err = c.Store.CreateRelated(ctx, c.User, avon, c.Channel, store.Record{"name": "Kids Channel"})
	require.NoError(t, err)

	recs, err := c.Store.FindMany(ctx, &query.Descriptor{
		Model:   c.Channel,
		Include: &query.Descriptor{Model: c.User, Where: query.Where{"name": {query.Eq("Avon")}}, JoinOnly: true},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"Kids Channel"}, names(recs, "name"))

	_, err = c.Store.CreateRelated(ctx, c.User, avon, c.Video, store.Record{"bitrate": 1})
	assert.Error(t, err)
}

func TestUpdateDelete(t *testing.T) {
	c := testutil.NewCatalog(t)
	ctx := context.Background()

	swen, err := c.Store.FindOne(ctx, &query.Descriptor{Model: c.User, Where: query.Where{"id": {query.Eq("1")}}})
	require.NoError(t, err)

	updated, err := c.Store.Update(ctx, c.User, swen, store.Record{"name": "Snow", "id": 77})
	require.NoError(t, err)
	assert.Equal(t, "Snow", updated["name"])
	assert.EqualValues(t, 1, updated["id"], "primary key is not updatable")
	assert.Equal(t, "Swen", swen["name"], "returned records are copies")

	_, err = c.Store.Update(ctx, c.User, swen, store.Record{"age": nil})
	var verr *store.ValidationError
	assert.ErrorAs(t, err, &verr)

	require.NoError(t, c.Store.Delete(ctx, c.User, swen))
	_, err = c.Store.FindOne(ctx, &query.Descriptor{Model: c.User, Where: query.Where{"id": {query.Eq("1")}}})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, c.Store.Delete(ctx, c.User, swen), store.ErrNotFound)

	_, err = c.Store.Update(ctx, c.User, swen, store.Record{"name": "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCanceledContext(t *testing.T) {
	c := testutil.NewCatalog(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Store.FindMany(ctx, &query.Descriptor{Model: c.User})
	assert.ErrorIs(t, err, context.Canceled)
}
