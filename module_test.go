package hive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleRegistryDoubleLoad(t *testing.T) {
	r := newModuleRegistry()
	first := ModuleFunc(func() Instance { return NewEchoInstance() })
	second := ModuleFunc(func() Instance { return nil })

	got := r.register("echo", first)
	assert.NotNil(t, got)
	// the second load of the same name returns the existing entry
	again := r.register("echo", second)
	m, ok := r.query("echo")
	require.True(t, ok)
	assert.NotNil(t, again.Create())
	assert.NotNil(t, m.Create())
}

func TestModuleRegistryQueryMissing(t *testing.T) {
	r := newModuleRegistry()
	_, ok := r.query("ghost")
	assert.False(t, ok)
}

func TestModuleRegistryNames(t *testing.T) {
	r := newModuleRegistry()
	r.register("zeta", ModuleFunc(func() Instance { return nil }))
	r.register("alpha", ModuleFunc(func() Instance { return nil }))
	assert.Equal(t, []string{"alpha", "zeta"}, r.names())
}

func TestWatchdogDetectsNoProgress(t *testing.T) {
	w := newWatchdog(1)

	// idle worker: nothing reported
	assert.Equal(t, Handle(0), w.check(0))

	// worker enters a delivery and never leaves
	w.enter(0, 1, 0x99)
	assert.Equal(t, Handle(0), w.check(0), "first sample only records the version")
	assert.Equal(t, Handle(0x99), w.check(0), "second unchanged sample flags the service")

	// progress clears the flag
	w.leave(0)
	w.enter(0, 1, 0x99)
	assert.Equal(t, Handle(0), w.check(0))
}
