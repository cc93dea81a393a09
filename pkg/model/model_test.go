package model

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntities() (user, channel, content *Entity) {
	user = &Entity{Name: "User", Table: "users", PrimaryKey: "id", Fields: []Field{
		{Name: "id", PrimaryKey: true}, {Name: "name"}, {Name: "age", Required: true},
	}}
	channel = &Entity{Name: "Channel", Table: "channels", PrimaryKey: "id", Fields: []Field{
		{Name: "id", PrimaryKey: true}, {Name: "name"},
	}}
	content = &Entity{Name: "Content", Table: "contents", PrimaryKey: "id", Fields: []Field{
		{Name: "id", PrimaryKey: true}, {Name: "title"}, {Name: "channel_id"},
	}}
	return
}

func TestEntityFields(t *testing.T) {
	user, _, _ := testEntities()
	assert.True(t, user.HasField("age"))
	assert.False(t, user.HasField("bogusField"))
	assert.Equal(t, []string{"id", "name", "age"}, user.FieldNames())
	require.NotNil(t, user.Field("age"))
	assert.True(t, user.Field("age").Required)
}

func TestRelate(t *testing.T) {
	user, channel, content := testEntities()
	Relate(channel, content, "channel_id")
	RelateMany(user, channel, "subscriptions", "user_id", "channel_id")

	rel, ok := content.RelationTo("Channel")
	require.True(t, ok)
	assert.Equal(t, Relation{Kind: BelongsTo, Target: "Channel", ForeignKey: "channel_id"}, rel)

	rel, ok = channel.RelationTo("Content")
	require.True(t, ok)
	assert.Equal(t, HasMany, rel.Kind)

	rel, ok = channel.RelationTo("User")
	require.True(t, ok)
	assert.Equal(t, ManyToMany, rel.Kind)
	assert.Equal(t, &Through{Table: "subscriptions", SourceKey: "channel_id", TargetKey: "user_id"}, rel.Through)

	// declaring twice keeps one relation per target
	Relate(channel, content, "channel_id")
	assert.Len(t, content.Relations, 1)

	_, ok = user.RelationTo("Content")
	assert.False(t, ok)
}

func TestResolver(t *testing.T) {
	user, channel, content := testEntities()
	profile := &Entity{Name: "UserProfile", Table: "user_profiles", PrimaryKey: "id"}
	person := &Entity{Name: "Person", Table: "people", PrimaryKey: "id"}
	r := NewResolver(NewRegistry(user, channel, content, profile, person))

	tests := map[string]string{
		"users":         "User",
		"user":          "User",
		"channels":      "Channel",
		"contents":      "Content",
		"user_profiles": "UserProfile",
		"people":        "Person",
	}
	for resource, want := range tests {
		e, ok := r.Resolve(resource)
		require.True(t, ok, resource)
		assert.Equal(t, want, e.Name, resource)
	}

	_, ok := r.Resolve("foobars")
	assert.False(t, ok)
}

func TestCamelize(t *testing.T) {
	assert.Equal(t, "userProfile", camelize("user_profile"))
	assert.Equal(t, "userProfile", camelize("user-profile"))
	assert.Equal(t, "aB", camelize(" a__b "))
	assert.Equal(t, "User", upperFirst("user"))
	assert.Equal(t, "", upperFirst(""))
}

func TestMemoryRegistryConcurrent(t *testing.T) {
	user, channel, _ := testEntities()
	r := NewRegistry(user)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register(channel)
		}()
		go func() {
			defer wg.Done()
			_, _ = r.Entity("User")
		}()
	}
	wg.Wait()

	names := []string{}
	for _, e := range r.Entities() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"Channel", "User"}, names)

	r.Replace([]*Entity{channel})
	_, ok := r.Entity("User")
	assert.False(t, ok)
}
