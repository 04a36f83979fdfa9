// Package integration exercises whole-node scenarios: several services, the
// real scheduler, timers, and the builtin service set.
package integration

import (
	"bytes"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hive "github.com/ehrlich-b/go-hive"
	"github.com/ehrlich-b/go-hive/internal/logging"

	_ "github.com/ehrlich-b/go-hive/sandbox"
	_ "github.com/ehrlich-b/go-hive/service/gate"
	_ "github.com/ehrlich-b/go-hive/service/harbor"
	_ "github.com/ehrlich-b/go-hive/service/launcher"
	_ "github.com/ehrlich-b/go-hive/service/logger"
)

const waitFor = 10 * time.Second
const pollEvery = 10 * time.Millisecond

func init() {
	hive.RegisterModuleFunc("it-echo", func() hive.Instance { return hive.NewEchoInstance() })
}

func newNode(t *testing.T) *hive.Node {
	t.Helper()
	logger := logging.NewLogger(&logging.Config{Level: logging.LevelError, Output: &bytes.Buffer{}})
	n, err := hive.NewNode(hive.Config{Workers: 4, Logger: logger, ServiceLogDir: t.TempDir()})
	require.NoError(t, err)
	n.Start()
	t.Cleanup(func() {
		n.Abort()
		n.Wait()
	})
	return n
}

type probe struct {
	mu   sync.Mutex
	msgs []hive.Message
	ctx  *hive.Context
}

func launchProbe(t *testing.T, n *hive.Node) *probe {
	t.Helper()
	p := &probe{}
	_, err := n.LaunchWith(&hive.HandlerInstance{
		OnInit: func(ctx *hive.Context) error { p.ctx = ctx; return nil },
		Handler: func(ctx *hive.Context, msg *hive.Message) error {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.msgs = append(p.msgs, *msg)
			return nil
		},
	}, "")
	require.NoError(t, err)
	return p
}

func (p *probe) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func (p *probe) all() []hive.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]hive.Message, len(p.msgs))
	copy(out, p.msgs)
	return out
}

// S2: request/response with a runtime-allocated session.
func TestRequestResponseAcrossServices(t *testing.T) {
	n := newNode(t)
	echoH, err := n.Launch("it-echo", "")
	require.NoError(t, err)

	caller := launchProbe(t, n)
	session, err := caller.ctx.Send(echoH, hive.ProtoLua, hive.AllocSession, 0, []byte("req"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return caller.count() == 1 }, waitFor, pollEvery)
	resp := caller.all()[0]
	assert.Equal(t, hive.ProtoResponse, resp.Proto)
	assert.Equal(t, session, resp.Session)
}

// S3: TIMEOUT delivers exactly one TIMER message at the requested tick,
// within one tick of tolerance.
func TestTimeoutAccuracy(t *testing.T) {
	n := newNode(t)
	p := launchProbe(t, n)

	const ticks = 20
	startResult, err := p.ctx.Command("NOW", "")
	require.NoError(t, err)
	session, err := p.ctx.Command("TIMEOUT", "20")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return p.count() == 1 }, waitFor, pollEvery)
	msg := p.all()[0]
	assert.Equal(t, hive.ProtoTimer, msg.Proto)
	assert.Equal(t, session, strconv.Itoa(int(msg.Session)))

	endResult, err := p.ctx.Command("NOW", "")
	require.NoError(t, err)
	startTick, _ := strconv.ParseInt(startResult, 10, 64)
	endTick, _ := strconv.ParseInt(endResult, 10, 64)
	elapsed := endTick - startTick
	assert.GreaterOrEqual(t, elapsed, int64(ticks-1))

	// exactly once: no second delivery shows up
	time.Sleep(30 * hive.TickDuration)
	assert.Equal(t, 1, p.count())
}

// S5: two services race for one name; the loser gets a failure, a third
// party resolves the winner.
func TestNameRouting(t *testing.T) {
	n := newNode(t)
	a := launchProbe(t, n)
	b := launchProbe(t, n)
	c := launchProbe(t, n)

	_, err := a.ctx.Command("REG", ".gate")
	require.NoError(t, err)
	_, err = b.ctx.Command("REG", ".gate")
	require.Error(t, err)

	addr, err := c.ctx.Command("QUERY", ".gate")
	require.NoError(t, err)
	assert.Equal(t, a.ctx.Handle(), n.Resolve(addr))
}

// The launcher service: sessioned LAUNCH requests get the new address back.
func TestLauncherService(t *testing.T) {
	n := newNode(t)
	_, err := n.Launch("launcher", "")
	require.NoError(t, err)

	p := launchProbe(t, n)
	session, err := p.ctx.SendName(".launcher", hive.ProtoText, hive.AllocSession, 0, []byte("LAUNCH it-echo"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return p.count() == 1 }, waitFor, pollEvery)
	resp := p.all()[0]
	assert.Equal(t, session, resp.Session)
	addr := string(resp.Data)
	require.True(t, strings.HasPrefix(addr, ":"), "launcher replies with an address, got %q", addr)
	assert.NotZero(t, n.Resolve(addr))

	// LIST mentions what was launched
	session, err = p.ctx.SendName(".launcher", hive.ProtoText, hive.AllocSession, 0, []byte("LIST"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.count() == 2 }, waitFor, pollEvery)
	assert.Contains(t, string(p.all()[1].Data), "it-echo")
}

// The harbor stub bounces sessioned remote sends so waits abort.
func TestHarborStubBouncesRemote(t *testing.T) {
	n := newNode(t)
	_, err := n.Launch("harbor", "0")
	require.NoError(t, err)

	p := launchProbe(t, n)
	remote := hive.Handle(9)<<hive.HandleRemoteShift | 0x77
	session, err := p.ctx.Send(remote, hive.ProtoLua, hive.AllocSession, 0, []byte("x"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return p.count() == 1 }, waitFor, pollEvery)
	bounce := p.all()[0]
	assert.Equal(t, hive.ProtoError, bounce.Proto)
	assert.Equal(t, session, bounce.Session)
}

// A full boot: logger + bootstrap chain brings the node up from config.
func TestBootSequence(t *testing.T) {
	logger := logging.NewLogger(&logging.Config{Level: logging.LevelError, Output: &bytes.Buffer{}})
	n, err := hive.NewNode(hive.Config{Workers: 2, Logger: logger, ServiceLogDir: t.TempDir()})
	require.NoError(t, err)
	n.Env().Set("bootstrap", "it-echo")
	n.Start()
	t.Cleanup(func() {
		n.Abort()
		n.Wait()
	})

	require.NoError(t, n.Boot())
	assert.Equal(t, 2, n.LiveServices(), "logger + bootstrap")
	assert.NotZero(t, n.Resolve(".logger"))
}
