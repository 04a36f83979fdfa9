package handle

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAssignsUniqueHandles(t *testing.T) {
	s := NewStorage[string](0)
	seen := make(map[Handle]bool)
	for i := 0; i < 1000; i++ {
		h := s.Register("svc")
		require.NotEqual(t, Zero, h)
		require.False(t, seen[h], "handle %x assigned twice", h)
		seen[h] = true
	}
	assert.Equal(t, 1000, s.Count())
}

func TestNodePrefix(t *testing.T) {
	s := NewStorage[string](7)
	h := s.Register("svc")
	assert.Equal(t, uint8(7), h.Node())
	assert.True(t, h.Local(7))
	assert.False(t, h.Local(3))

	// node id 0 always addresses the local node
	var plain Handle = 0x000042
	assert.True(t, plain.Local(7))
}

func TestGetAndRetire(t *testing.T) {
	s := NewStorage[string](0)
	h := s.Register("alpha")

	v, ok := s.Get(h)
	require.True(t, ok)
	assert.Equal(t, "alpha", v)

	v, ok = s.Retire(h)
	require.True(t, ok)
	assert.Equal(t, "alpha", v)

	_, ok = s.Get(h)
	assert.False(t, ok, "retired handle must not resolve")

	_, ok = s.Retire(h)
	assert.False(t, ok, "double retire must fail")
}

func TestStaleHandleAfterSlotReuse(t *testing.T) {
	s := NewStorage[string](0)

	// fill and churn enough that slots are reused
	var first Handle
	for i := 0; i < defaultSlotSize*3; i++ {
		h := s.Register("svc")
		if i == 0 {
			first = h
		}
		_, ok := s.Retire(h)
		require.True(t, ok)
	}
	// a fresh registration may land in first's old slot, but first itself
	// must stay dead
	_ = s.Register("svc")
	_, ok := s.Get(first)
	assert.False(t, ok)
}

func TestReservedValuesNeverAllocated(t *testing.T) {
	s := NewStorage[string](0)
	for i := 0; i < 5000; i++ {
		h := s.Register("svc")
		require.NotEqual(t, Handle(0), h&Mask)
		require.NotEqual(t, Handle(Mask), h&Mask)
		s.Retire(h)
	}
}

func TestRegisterName(t *testing.T) {
	s := NewStorage[string](0)
	a := s.Register("a")
	b := s.Register("b")

	require.True(t, s.RegisterName("gate", a, false))
	// same id again is a no-op
	assert.True(t, s.RegisterName("gate", a, false))
	// different id is rejected
	assert.False(t, s.RegisterName("gate", b, false))

	assert.Equal(t, a, s.Resolve("gate"))

	// exported names live in their own index
	require.True(t, s.RegisterName("gate", b, true))
	assert.Equal(t, a, s.Resolve("gate"), "local index wins")
}

func TestRetireDropsNames(t *testing.T) {
	s := NewStorage[string](0)
	a := s.Register("a")
	require.True(t, s.RegisterName("db", a, false))
	s.Retire(a)
	assert.Equal(t, Zero, s.Resolve("db"))
}

func TestRetireAll(t *testing.T) {
	s := NewStorage[string](0)
	for i := 0; i < 10; i++ {
		s.Register("svc")
	}
	out := s.RetireAll()
	assert.Len(t, out, 10)
	assert.Equal(t, 0, s.Count())
}

func TestConcurrentRegisterResolve(t *testing.T) {
	s := NewStorage[int](0)
	var wg sync.WaitGroup
	handles := make([][]Handle, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				h := s.Register(g*1000 + i)
				handles[g] = append(handles[g], h)
			}
		}(g)
	}
	wg.Wait()

	seen := make(map[Handle]bool)
	for g := range handles {
		for i, h := range handles[g] {
			require.False(t, seen[h])
			seen[h] = true
			v, ok := s.Get(h)
			require.True(t, ok)
			assert.Equal(t, g*1000+i, v)
		}
	}
}
