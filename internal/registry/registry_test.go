package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterLookupUnregister(t *testing.T) {
	reg := New()
	key := Key{Instance: "backlog", Role: RoleProducer, Queue: "alpha"}

	_, ok := reg.Lookup(key)
	assert.False(t, ok)

	reg.Register(key, "handle")
	got, ok := reg.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, "handle", got)

	reg.Unregister(key)
	_, ok = reg.Lookup(key)
	assert.False(t, ok)
}

func TestRegistry_Each(t *testing.T) {
	reg := New()
	reg.Register(Key{Instance: "backlog", Role: RoleProducer, Queue: "alpha"}, 1)
	reg.Register(Key{Instance: "backlog", Role: RoleProducer, Queue: "beta"}, 2)
	reg.Register(Key{Instance: "backlog", Role: RoleStager}, 3)
	reg.Register(Key{Instance: "other", Role: RoleProducer, Queue: "alpha"}, 4)

	seen := map[string]any{}
	reg.Each("backlog", RoleProducer, func(queue string, handle any) {
		seen[queue] = handle
	})

	assert.Equal(t, map[string]any{"alpha": 1, "beta": 2}, seen)
}
