package sandbox

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	hive "github.com/ehrlich-b/go-hive"
)

// openCore builds the "hive.core" module table: the whole runtime surface a
// script service can reach.
func (s *Sandbox) openCore(L *lua.LState) int {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"send":       s.lSend,
		"redirect":   s.lRedirect,
		"command":    s.lCommand,
		"callback":   s.lCallback,
		"gensession": s.lGenSession,
		"self":       s.lSelf,
		"address":    s.lAddress,
		"now":        s.lNow,
		"starttime":  s.lStartTime,
		"hpc":        s.lHpc,
		"log":        s.lLog,
		"error":      s.lLog, // same sink; scripts use either name
		"trace":      s.lTrace,
		"pack":       s.lPack,
		"unpack":     s.lUnpack,
		"timeout":    s.lTimeout,
		"exit":       s.lExit,
		"launch":     s.lLaunch,
		"getenv":     s.lGetEnv,
		"setenv":     s.lSetEnv,
	})
	sock := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"listen":   s.lSocketListen,
		"connect":  s.lSocketConnect,
		"bind":     s.lSocketBind,
		"start":    s.lSocketStart,
		"pause":    s.lSocketPause,
		"close":    s.lSocketClose,
		"shutdown": s.lSocketShutdown,
		"send":     s.lSocketSend,
		"sendlow":  s.lSocketSendLow,
		"nodelay":  s.lSocketNodelay,
		"udp":      s.lUDPSocket,
		"udp_send": s.lUDPSend,
	})
	L.SetField(mod, "socket", sock)
	L.Push(mod)
	return 1
}

// toHandle accepts a numeric handle or any name form the runtime resolves.
func (s *Sandbox) toHandle(L *lua.LState, idx int) hive.Handle {
	v := L.Get(idx)
	switch x := v.(type) {
	case lua.LNumber:
		return hive.Handle(uint32(x))
	case lua.LString:
		return s.ctx.Node().Resolve(string(x))
	default:
		L.ArgError(idx, "handle or name expected")
		return 0
	}
}

func pushErr(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

// send(dest, proto, session|nil, payload|nil) -> session
// A nil session asks the runtime to allocate one; 0 is fire-and-forget.
func (s *Sandbox) lSend(L *lua.LState) int {
	dest := s.toHandle(L, 1)
	proto := int32(L.CheckNumber(2))
	var flags hive.SendFlags
	var session int32
	if L.Get(3) == lua.LNil {
		flags |= hive.AllocSession
	} else {
		session = int32(L.CheckNumber(3))
	}
	var data []byte
	if v := L.Get(4); v != lua.LNil {
		data = []byte(lua.LVAsString(v))
	}
	sess, err := s.ctx.Send(dest, proto, flags, session, data)
	if err != nil {
		return pushErr(L, err)
	}
	L.Push(lua.LNumber(sess))
	return 1
}

// redirect(dest, source, proto, session, payload|nil)
func (s *Sandbox) lRedirect(L *lua.LState) int {
	dest := s.toHandle(L, 1)
	source := s.toHandle(L, 2)
	proto := int32(L.CheckNumber(3))
	session := int32(L.CheckNumber(4))
	var data []byte
	if v := L.Get(5); v != lua.LNil {
		data = []byte(lua.LVAsString(v))
	}
	if err := s.ctx.Redirect(dest, source, proto, session, data); err != nil {
		return pushErr(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// command(name, param|nil) -> result | nil, err
func (s *Sandbox) lCommand(L *lua.LState) int {
	name := L.CheckString(1)
	param := ""
	if v := L.Get(2); v != lua.LNil {
		param = lua.LVAsString(v)
	}
	result, err := s.ctx.Command(name, param)
	if err != nil {
		return pushErr(L, err)
	}
	L.Push(lua.LString(result))
	return 1
}

// callback(fn [, forward]) installs the message handler. Forward mode means
// the handler owns delivered payloads.
func (s *Sandbox) lCallback(L *lua.LState) int {
	s.handler = L.CheckFunction(1)
	s.forward = lua.LVAsBool(L.Get(2))
	return 0
}

func (s *Sandbox) lGenSession(L *lua.LState) int {
	L.Push(lua.LNumber(s.ctx.NewSession()))
	return 1
}

func (s *Sandbox) lSelf(L *lua.LState) int {
	L.Push(lua.LNumber(uint32(s.ctx.Handle())))
	return 1
}

// address(handle) -> ":hhhhhhhh"
func (s *Sandbox) lAddress(L *lua.LState) int {
	h := uint32(L.CheckNumber(1))
	L.Push(lua.LString(fmt.Sprintf(":%08x", h)))
	return 1
}

func (s *Sandbox) lNow(L *lua.LState) int {
	L.Push(lua.LNumber(s.ctx.Now()))
	return 1
}

func (s *Sandbox) lStartTime(L *lua.LState) int {
	L.Push(lua.LNumber(s.ctx.StartTime()))
	return 1
}

func (s *Sandbox) lHpc(L *lua.LState) int {
	L.Push(lua.LNumber(s.ctx.Hpc()))
	return 1
}

func (s *Sandbox) lLog(L *lua.LState) int {
	s.ctx.Log("%s", L.CheckString(1))
	return 0
}

func (s *Sandbox) lTrace(L *lua.LState) int {
	s.ctx.Log("TRACE %s %s", s.script, L.OptString(1, ""))
	return 0
}

// timeout(ticks) -> session
func (s *Sandbox) lTimeout(L *lua.LState) int {
	ticks := int(L.CheckNumber(1))
	L.Push(lua.LNumber(s.ctx.Timeout(ticks, 0)))
	return 1
}

func (s *Sandbox) lExit(L *lua.LState) int {
	s.ctx.Exit()
	return 0
}

// launch("module args") -> ":hhhhhhhh" | nil, err
func (s *Sandbox) lLaunch(L *lua.LState) int {
	addr, err := s.ctx.Command("LAUNCH", L.CheckString(1))
	if err != nil {
		return pushErr(L, err)
	}
	L.Push(lua.LString(addr))
	return 1
}

func (s *Sandbox) lGetEnv(L *lua.LState) int {
	L.Push(lua.LString(s.ctx.GetEnv(L.CheckString(1))))
	return 1
}

func (s *Sandbox) lSetEnv(L *lua.LState) int {
	s.ctx.SetEnv(L.CheckString(1), L.CheckString(2))
	return 0
}

// ---- socket binding ----

func (s *Sandbox) lSocketListen(L *lua.LState) int {
	host := L.CheckString(1)
	port := int(L.CheckNumber(2))
	backlog := int(L.OptNumber(3, 0))
	id, err := s.ctx.Listen(host, port, backlog)
	if err != nil {
		return pushErr(L, err)
	}
	L.Push(lua.LNumber(id))
	return 1
}

func (s *Sandbox) lSocketConnect(L *lua.LState) int {
	host := L.CheckString(1)
	port := int(L.CheckNumber(2))
	id, err := s.ctx.Connect(host, port)
	if err != nil {
		return pushErr(L, err)
	}
	L.Push(lua.LNumber(id))
	return 1
}

func (s *Sandbox) lSocketBind(L *lua.LState) int {
	fd := int(L.CheckNumber(1))
	id, err := s.ctx.SocketBind(fd)
	if err != nil {
		return pushErr(L, err)
	}
	L.Push(lua.LNumber(id))
	return 1
}

func (s *Sandbox) lSocketStart(L *lua.LState) int {
	s.ctx.SocketStart(int32(L.CheckNumber(1)))
	return 0
}

func (s *Sandbox) lSocketPause(L *lua.LState) int {
	s.ctx.SocketPause(int32(L.CheckNumber(1)))
	return 0
}

func (s *Sandbox) lSocketClose(L *lua.LState) int {
	s.ctx.SocketClose(int32(L.CheckNumber(1)))
	return 0
}

func (s *Sandbox) lSocketShutdown(L *lua.LState) int {
	s.ctx.SocketShutdown(int32(L.CheckNumber(1)))
	return 0
}

func (s *Sandbox) lSocketSend(L *lua.LState) int {
	id := int32(L.CheckNumber(1))
	data := []byte(L.CheckString(2))
	if err := s.ctx.SocketSend(id, data); err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func (s *Sandbox) lSocketSendLow(L *lua.LState) int {
	id := int32(L.CheckNumber(1))
	data := []byte(L.CheckString(2))
	if err := s.ctx.SocketSendLow(id, data); err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func (s *Sandbox) lSocketNodelay(L *lua.LState) int {
	s.ctx.SocketNodelay(int32(L.CheckNumber(1)))
	return 0
}

func (s *Sandbox) lUDPSocket(L *lua.LState) int {
	host := L.CheckString(1)
	port := int(L.CheckNumber(2))
	id, err := s.ctx.UDPSocket(host, port)
	if err != nil {
		return pushErr(L, err)
	}
	L.Push(lua.LNumber(id))
	return 1
}

func (s *Sandbox) lUDPSend(L *lua.LState) int {
	id := int32(L.CheckNumber(1))
	addr := L.CheckString(2)
	data := []byte(L.CheckString(3))
	if err := s.ctx.UDPSend(id, addr, data); err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}
