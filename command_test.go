package hive

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func launchInbox(t *testing.T, n *Node) *inbox {
	t.Helper()
	in := &inbox{}
	_, err := n.LaunchWith(in.instance(), "")
	require.NoError(t, err)
	return in
}

func TestCommandRegAndQuery(t *testing.T) {
	n := newTestNode(t)
	a := launchInbox(t, n)
	b := launchInbox(t, n)
	c := launchInbox(t, n)

	// REG with no argument returns the caller's address
	addr, err := a.ctx.Command("REG", "")
	require.NoError(t, err)
	assert.Equal(t, addressString(a.ctx.Handle()), addr)

	// first registration wins
	_, err = a.ctx.Command("REG", ".gate")
	require.NoError(t, err)
	_, err = b.ctx.Command("REG", ".gate")
	assert.ErrorIs(t, err, ErrNameTaken)

	// re-registering the same handle is a no-op
	_, err = a.ctx.Command("REG", ".gate")
	assert.NoError(t, err)

	// a third party resolves the winner
	got, err := c.ctx.Command("QUERY", ".gate")
	require.NoError(t, err)
	assert.Equal(t, addressString(a.ctx.Handle()), got)

	_, err = c.ctx.Command("QUERY", ".nosuch")
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func TestCommandName(t *testing.T) {
	n := newTestNode(t)
	a := launchInbox(t, n)
	b := launchInbox(t, n)

	_, err := a.ctx.Command("NAME", ".db "+addressString(b.ctx.Handle()))
	require.NoError(t, err)
	got, err := a.ctx.Command("QUERY", ".db")
	require.NoError(t, err)
	assert.Equal(t, addressString(b.ctx.Handle()), got)
}

func TestCommandTimeoutAllocatesSession(t *testing.T) {
	n := newTestNode(t)
	a := launchInbox(t, n)

	result, err := a.ctx.Command("TIMEOUT", "3")
	require.NoError(t, err)
	session, err := strconv.Atoi(result)
	require.NoError(t, err)
	require.Greater(t, session, 0)

	require.Eventually(t, func() bool { return a.count() == 1 }, waitFor, pollEvery)
	msg := a.all()[0]
	assert.Equal(t, ProtoTimer, msg.Proto)
	assert.Equal(t, int32(session), msg.Session)
}

func TestCommandEnv(t *testing.T) {
	n := newTestNode(t)
	a := launchInbox(t, n)

	_, err := a.ctx.Command("SETENV", "answer 42")
	require.NoError(t, err)
	v, err := a.ctx.Command("GETENV", "answer")
	require.NoError(t, err)
	assert.Equal(t, "42", v)

	// unset keys read as empty
	v, err = a.ctx.Command("GETENV", "unset-key")
	require.NoError(t, err)
	assert.Equal(t, "", v)
}

func TestCommandNowAndStartTime(t *testing.T) {
	n := newTestNode(t)
	a := launchInbox(t, n)

	st, err := a.ctx.Command("STARTTIME", "")
	require.NoError(t, err)
	sec, err := strconv.ParseInt(st, 10, 64)
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Unix(), sec, 5)

	now1, err := a.ctx.Command("NOW", "")
	require.NoError(t, err)
	t1, _ := strconv.ParseUint(now1, 10, 64)
	require.Eventually(t, func() bool {
		now2, _ := a.ctx.Command("NOW", "")
		t2, _ := strconv.ParseUint(now2, 10, 64)
		return t2 > t1
	}, waitFor, pollEvery, "tick counter must advance")
}

func TestCommandStat(t *testing.T) {
	n := newTestNode(t)
	a := launchInbox(t, n)

	require.NoError(t, n.Send(0, a.ctx.Handle(), ProtoText, 0, nil))
	require.Eventually(t, func() bool { return a.count() == 1 }, waitFor, pollEvery)

	require.Eventually(t, func() bool {
		count, err := a.ctx.Command("STAT", "message")
		return err == nil && count == "1"
	}, waitFor, pollEvery)

	mqlen, err := a.ctx.Command("STAT", "mqlen")
	require.NoError(t, err)
	assert.Equal(t, "0", mqlen)

	endless, err := a.ctx.Command("STAT", "endless")
	require.NoError(t, err)
	assert.Equal(t, "0", endless)

	_, err = a.ctx.Command("STAT", "bogus")
	assert.ErrorIs(t, err, ErrBadParameter)
}

func TestCommandMqLen(t *testing.T) {
	n := newTestNode(t)
	a := launchInbox(t, n)

	v, err := a.ctx.Command("MQLEN", "")
	require.NoError(t, err)
	assert.Equal(t, "0", v)
}

func TestCommandKill(t *testing.T) {
	n := newTestNode(t)
	a := launchInbox(t, n)
	b := launchInbox(t, n)

	_, err := b.ctx.Command("REG", ".victim")
	require.NoError(t, err)
	_, err = a.ctx.Command("KILL", ".victim")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return n.LiveServices() == 1 }, waitFor, pollEvery)
	_, err = a.ctx.Command("KILL", ".victim")
	assert.Error(t, err)
}

func TestCommandLaunch(t *testing.T) {
	RegisterModuleFunc("cmd-launch-echo", func() Instance { return NewEchoInstance() })

	n := newTestNode(t)
	a := launchInbox(t, n)

	addr, err := a.ctx.Command("LAUNCH", "cmd-launch-echo")
	require.NoError(t, err)
	h := n.Resolve(addr)
	require.NotZero(t, h)

	session, err := a.ctx.Send(h, ProtoLua, AllocSession, 0, []byte("hi"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.count() == 1 }, waitFor, pollEvery)
	assert.Equal(t, session, a.all()[0].Session)

	_, err = a.ctx.Command("LAUNCH", "no-such-module")
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestCommandSignal(t *testing.T) {
	RegisterModuleFunc("cmd-signal-echo", func() Instance { return NewEchoInstance() })

	n := newTestNode(t)
	a := launchInbox(t, n)

	addr, err := a.ctx.Command("LAUNCH", "cmd-signal-echo")
	require.NoError(t, err)
	_, err = a.ctx.Command("SIGNAL", addr+" 1")
	require.NoError(t, err)

	h := n.Resolve(addr)
	svc, ok := n.storage.Get(h)
	require.True(t, ok)
	echo := svc.instance.(*EchoInstance)
	assert.Equal(t, []int{1}, echo.Signals())

	// signalling a module without the capability is a silent no-op
	_, err = a.ctx.Command("SIGNAL", addressString(a.ctx.Handle())+" 0")
	assert.NoError(t, err)
}

func TestCommandMonitor(t *testing.T) {
	n := newTestNode(t)
	a := launchInbox(t, n)
	mon := launchInbox(t, n)

	v, err := a.ctx.Command("MONITOR", "")
	require.NoError(t, err)
	assert.Equal(t, "", v)

	_, err = a.ctx.Command("MONITOR", addressString(mon.ctx.Handle()))
	require.NoError(t, err)
	v, err = a.ctx.Command("MONITOR", "")
	require.NoError(t, err)
	assert.Equal(t, addressString(mon.ctx.Handle()), v)

	// service exits are reported to the monitor
	victim := launchInbox(t, n)
	victim.ctx.Exit()
	require.Eventually(t, func() bool { return mon.count() >= 1 }, waitFor, pollEvery)
	assert.Contains(t, string(mon.all()[0].Data), "EXIT :")
}

func TestCommandEndless(t *testing.T) {
	n := newTestNode(t)
	a := launchInbox(t, n)

	svc, ok := n.storage.Get(a.ctx.Handle())
	require.True(t, ok)
	svc.endless.Store(true)

	_, err := a.ctx.Command("ENDLESS", "")
	require.NoError(t, err)
	assert.False(t, svc.endless.Load())
}

func TestCommandLogOnOff(t *testing.T) {
	n := newTestNode(t)
	a := launchInbox(t, n)

	_, err := a.ctx.Command("LOGON", "")
	require.NoError(t, err)
	require.NoError(t, n.Send(0, a.ctx.Handle(), ProtoText, 0, []byte("tapped")))
	require.Eventually(t, func() bool { return a.count() == 1 }, waitFor, pollEvery)
	_, err = a.ctx.Command("LOGOFF", "")
	require.NoError(t, err)
}

func TestUnknownCommand(t *testing.T) {
	n := newTestNode(t)
	a := launchInbox(t, n)

	_, err := a.ctx.Command("FLY", "")
	assert.ErrorIs(t, err, ErrBadCommand)
}

func TestAddressFormat(t *testing.T) {
	assert.Equal(t, ":00000001", addressString(1))
	assert.Equal(t, ":01000000", addressString(1<<HandleRemoteShift))
	assert.Equal(t, ":deadbeef", addressString(0xdeadbeef))
}
