package cmdbus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kode4food/cmdbus"
	"github.com/kode4food/cmdbus/examples/calculator"
)

func TestAggregateCacheEvictsLeastRecentlyUsed(t *testing.T) {
	typ := calculatorType(t)
	c := cmdbus.NewAggregateCache(2)

	key := func(id string) string {
		return cmdbus.CacheKey(actor1.Tenant, typ, id)
	}
	for _, id := range []string{"a", "b"} {
		c.Set(key(id), cmdbus.NewAggregate(typ, id))
	}

	_, ok := c.Get(key("a"))
	assert.True(t, ok)

	c.Set(key("c"), cmdbus.NewAggregate(typ, "c"))
	assert.Equal(t, 2, c.Len())

	_, ok = c.Get(key("b"))
	assert.False(t, ok)
	ag, ok := c.Get(key("a"))
	assert.True(t, ok)
	assert.Equal(t, "a", ag.ID())
	_, ok = c.Get(key("c"))
	assert.True(t, ok)

	replaced := cmdbus.NewAggregate(typ, "a")
	replaced.MarkCommitted(4)
	c.Set(key("a"), replaced)
	assert.Equal(t, 2, c.Len())
	ag, _ = c.Get(key("a"))
	assert.Equal(t, int64(4), ag.Version())
}

func TestAggregateCacheDisabled(t *testing.T) {
	typ := calculatorType(t)
	c := cmdbus.NewAggregateCache(0)
	key := cmdbus.CacheKey(actor1.Tenant, typ, "a")

	c.Set(key, cmdbus.NewAggregate(typ, "a"))
	_, ok := c.Get(key)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCacheKeyIncludesTenant(t *testing.T) {
	typ := calculator.NewType()
	assert.NotEqual(t,
		cmdbus.CacheKey("t1", typ, "a"), cmdbus.CacheKey("t2", typ, "a"),
	)
	assert.Equal(t, "t1/calculator.a", cmdbus.CacheKey("t1", typ, "a"))
}
