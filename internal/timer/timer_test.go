package timer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-hive/internal/handle"
)

type firing struct {
	owner   handle.Handle
	session int32
	tick    uint64
}

type recorder struct {
	mu      sync.Mutex
	firings []firing
	t       *Timer
}

func newRecorder() *recorder { return &recorder{} }

func (r *recorder) deliver(owner handle.Handle, session int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var tick uint64
	if r.t != nil {
		tick = r.t.Now()
	}
	r.firings = append(r.firings, firing{owner: owner, session: session, tick: tick})
}

func (r *recorder) all() []firing {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]firing, len(r.firings))
	copy(out, r.firings)
	return out
}

func newTestTimer() (*Timer, *recorder) {
	r := newRecorder()
	t := New(DefaultPrecision, r.deliver)
	r.t = t
	return t, r
}

func TestExpiryAtExactTick(t *testing.T) {
	tm, rec := newTestTimer()

	tm.Add(100, 1, 7)
	tm.Advance(99)
	assert.Empty(t, rec.all(), "must not fire early")
	tm.Advance(1)
	firings := rec.all()
	require.Len(t, firings, 1)
	assert.Equal(t, handle.Handle(1), firings[0].owner)
	assert.Equal(t, int32(7), firings[0].session)
}

func TestNearWheelBoundary(t *testing.T) {
	tm, rec := newTestTimer()

	// one timer inside the near wheel, one just past it
	tm.Add(nearSize-1, 1, 1)
	tm.Add(nearSize+1, 2, 2)

	tm.Advance(nearSize - 1)
	require.Len(t, rec.all(), 1)
	tm.Advance(2)
	firings := rec.all()
	require.Len(t, firings, 2)
	assert.Equal(t, int32(2), firings[1].session)
}

func TestFarWheelCascade(t *testing.T) {
	tm, rec := newTestTimer()

	// deep into the second level wheel
	const ticks = nearSize * levelSize * 2
	tm.Add(ticks, 3, 9)
	tm.Advance(ticks - 1)
	assert.Empty(t, rec.all())
	tm.Advance(1)
	firings := rec.all()
	require.Len(t, firings, 1)
	assert.Equal(t, int32(9), firings[0].session)
}

func TestManyTimersFireExactlyOnce(t *testing.T) {
	tm, rec := newTestTimer()

	const n = 500
	for i := 1; i <= n; i++ {
		tm.Add(i, handle.Handle(i), int32(i))
	}
	tm.Advance(n)

	firings := rec.all()
	require.Len(t, firings, n)
	seen := make(map[int32]bool)
	for _, f := range firings {
		require.False(t, seen[f.session], "session %d fired twice", f.session)
		seen[f.session] = true
	}
}

func TestNoEarlyDelivery(t *testing.T) {
	tm, rec := newTestTimer()

	for i := 1; i <= 300; i++ {
		tm.Add(i, 1, int32(i))
	}
	tm.Advance(300)
	for _, f := range rec.all() {
		assert.GreaterOrEqual(t, f.tick, uint64(f.session)-1, "session %d fired before its tick", f.session)
	}
}

func TestNowAdvances(t *testing.T) {
	tm, _ := newTestTimer()
	assert.Equal(t, uint64(0), tm.Now())
	tm.Advance(42)
	assert.Equal(t, uint64(42), tm.Now())
}

func TestStartTimeCaptured(t *testing.T) {
	before := time.Now().Unix()
	tm, _ := newTestTimer()
	after := time.Now().Unix()
	assert.GreaterOrEqual(t, tm.StartTime(), before)
	assert.LessOrEqual(t, tm.StartTime(), after)
}

func TestTimerThreadDelivers(t *testing.T) {
	rec := newRecorder()
	tm := New(time.Millisecond, rec.deliver)
	rec.t = tm
	tm.Add(5, 1, 11)
	tm.Start()
	defer tm.Stop()

	require.Eventually(t, func() bool {
		return len(rec.all()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestInsertWhileRunning(t *testing.T) {
	rec := newRecorder()
	tm := New(time.Millisecond, rec.deliver)
	rec.t = tm
	tm.Start()
	defer tm.Stop()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 1; i <= 50; i++ {
				tm.Add(i%10+1, handle.Handle(g+1), int32(i))
			}
		}(g)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(rec.all()) == 200
	}, 5*time.Second, 10*time.Millisecond)
}
