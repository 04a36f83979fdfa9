package sandbox

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hive "github.com/ehrlich-b/go-hive"
	"github.com/ehrlich-b/go-hive/internal/logging"
)

const waitFor = 5 * time.Second
const pollEvery = 5 * time.Millisecond

func newTestNode(t *testing.T, scripts map[string]string) *hive.Node {
	t.Helper()
	dir := t.TempDir()
	for name, body := range scripts {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".lua"), []byte(body), 0o644))
	}
	logger := logging.NewLogger(&logging.Config{Level: logging.LevelError, Output: &bytes.Buffer{}})
	n, err := hive.NewNode(hive.Config{Workers: 2, Logger: logger, ServiceLogDir: t.TempDir()})
	require.NoError(t, err)
	n.Env().Set("luaservice", filepath.Join(dir, "?.lua"))
	n.Start()
	t.Cleanup(func() {
		n.Abort()
		n.Wait()
	})
	return n
}

type inbox struct {
	mu   sync.Mutex
	msgs []hive.Message
	ctx  *hive.Context
}

func (in *inbox) instance() *hive.HandlerInstance {
	return &hive.HandlerInstance{
		OnInit: func(ctx *hive.Context) error {
			in.ctx = ctx
			return nil
		},
		Handler: func(ctx *hive.Context, msg *hive.Message) error {
			in.mu.Lock()
			defer in.mu.Unlock()
			in.msgs = append(in.msgs, *msg)
			return nil
		},
	}
}

func (in *inbox) count() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.msgs)
}

func (in *inbox) all() []hive.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]hive.Message, len(in.msgs))
	copy(out, in.msgs)
	return out
}

func TestScriptEchoService(t *testing.T) {
	n := newTestNode(t, map[string]string{
		"echo": `
local core = require "hive.core"
core.callback(function(proto, session, source, msg)
    if session ~= 0 and source ~= 0 then
        core.send(source, 1, session, msg)
    end
end)
`,
	})
	h, err := n.Launch("snlua", "echo")
	require.NoError(t, err)

	in := &inbox{}
	_, err = n.LaunchWith(in.instance(), "")
	require.NoError(t, err)

	session, err := in.ctx.Send(h, hive.ProtoLua, hive.AllocSession, 0, []byte("ping"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return in.count() == 1 }, waitFor, pollEvery)
	resp := in.all()[0]
	assert.Equal(t, hive.ProtoResponse, resp.Proto)
	assert.Equal(t, session, resp.Session)
	assert.Equal(t, []byte("ping"), resp.Data)
}

func TestScriptRegistersName(t *testing.T) {
	n := newTestNode(t, map[string]string{
		"named": `
local core = require "hive.core"
core.command("REG", ".scripted")
core.callback(function() end)
`,
	})
	h, err := n.Launch("snlua", "named")
	require.NoError(t, err)
	assert.Equal(t, h, n.Resolve(".scripted"))
}

func TestScriptPackUnpackRoundTrip(t *testing.T) {
	n := newTestNode(t, map[string]string{
		"packer": `
local core = require "hive.core"
core.callback(function(proto, session, source, msg)
    local buf = core.pack(42, "hello", true, {1, 2, name = "gate"})
    local a, b, c, d = core.unpack(buf)
    if a == 42 and b == "hello" and c == true
        and d[1] == 1 and d[2] == 2 and d.name == "gate" then
        core.send(source, 1, session, "ok")
    else
        core.send(source, 1, session, "mismatch")
    end
end)
`,
	})
	h, err := n.Launch("snlua", "packer")
	require.NoError(t, err)

	in := &inbox{}
	_, err = n.LaunchWith(in.instance(), "")
	require.NoError(t, err)

	_, err = in.ctx.Send(h, hive.ProtoLua, hive.AllocSession, 0, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return in.count() == 1 }, waitFor, pollEvery)
	assert.Equal(t, []byte("ok"), in.all()[0].Data)
}

func TestScriptTimeout(t *testing.T) {
	n := newTestNode(t, map[string]string{
		"timed": `
local core = require "hive.core"
local PROTO_TIMER = 8
local waiting = core.timeout(3)
core.callback(function(proto, session, source, msg)
    if proto == PROTO_TIMER and session == waiting then
        core.command("SETENV", "timed-fired yes")
    end
end)
`,
	})
	_, err := n.Launch("snlua", "timed")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return n.Env().Get("timed-fired") == "yes"
	}, waitFor, pollEvery)
}

func TestScriptArguments(t *testing.T) {
	n := newTestNode(t, map[string]string{
		"argv": `
local core = require "hive.core"
core.command("SETENV", "argv-saw " .. arg[1] .. "," .. arg[2])
core.callback(function() end)
`,
	})
	_, err := n.Launch("snlua", "argv alpha beta")
	require.NoError(t, err)
	assert.Equal(t, "alpha,beta", n.Env().Get("argv-saw"))
}

func TestScriptErrorKeepsServiceRunning(t *testing.T) {
	n := newTestNode(t, map[string]string{
		"flaky": `
local core = require "hive.core"
core.callback(function(proto, session, source, msg)
    if msg == "boom" then
        error("deliberate failure")
    end
    core.send(source, 1, session, "alive")
end)
`,
	})
	h, err := n.Launch("snlua", "flaky")
	require.NoError(t, err)

	in := &inbox{}
	_, err = n.LaunchWith(in.instance(), "")
	require.NoError(t, err)

	_, err = in.ctx.Send(h, hive.ProtoLua, 0, 0, []byte("boom"))
	require.NoError(t, err)
	// the uncaught error is logged, not fatal: the next request succeeds
	_, err = in.ctx.Send(h, hive.ProtoLua, hive.AllocSession, 0, []byte("ok?"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return in.count() == 1 }, waitFor, pollEvery)
	assert.Equal(t, []byte("alive"), in.all()[0].Data)
}

func TestMissingScriptFailsLaunch(t *testing.T) {
	n := newTestNode(t, nil)
	_, err := n.Launch("snlua", "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, hive.ErrInitFailed)
	assert.Contains(t, err.Error(), "snlua")
}

func TestBadMemLimitRejected(t *testing.T) {
	n := newTestNode(t, map[string]string{
		"tiny": `
local core = require "hive.core"
core.callback(function() end)
`,
	})
	n.Env().Set("memlimit", "not-a-number")
	_, err := n.Launch("snlua", "tiny")
	assert.Error(t, err)
}

func TestDebugCommand(t *testing.T) {
	n := newTestNode(t, map[string]string{
		"debuggable": `
local core = require "hive.core"
DEBUG = function(cmd)
    return "saw " .. cmd
end
core.callback(function() end)
`,
	})
	h, err := n.Launch("snlua", "debuggable")
	require.NoError(t, err)

	in := &inbox{}
	_, err = n.LaunchWith(in.instance(), "")
	require.NoError(t, err)

	addr := fmt.Sprintf(":%08x", uint32(h))
	out, err := in.ctx.Command("DBGCMD", addr+" ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", out)

	out, err = in.ctx.Command("DBGCMD", addr+" custom")
	require.NoError(t, err)
	assert.Equal(t, "saw custom", out)
}

func TestSignalMemoryReport(t *testing.T) {
	n := newTestNode(t, map[string]string{
		"quiet": `
local core = require "hive.core"
core.callback(function() end)
`,
	})
	h, err := n.Launch("snlua", "quiet")
	require.NoError(t, err)

	in := &inbox{}
	_, err = n.LaunchWith(in.instance(), "")
	require.NoError(t, err)

	// signal 1 logs a memory report, signal 0 arms the trap; neither crashes
	addr := fmt.Sprintf(":%08x", uint32(h))
	_, err = in.ctx.Command("SIGNAL", addr+" 1")
	require.NoError(t, err)
	_, err = in.ctx.Command("SIGNAL", addr+" 0")
	require.NoError(t, err)
}
