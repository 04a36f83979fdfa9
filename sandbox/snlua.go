// Package sandbox implements the scripted-service host: one native module
// ("snlua") that embeds a Lua interpreter per service and exposes the
// runtime to it through a narrow binding.
//
// The init argument names the script service to bootstrap; the script's
// body installs the actual message handler through the binding. The
// interpreter state is fully private to the service, so script code runs
// under the same one-message-at-a-time rule as native handlers.
package sandbox

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"

	hive "github.com/ehrlich-b/go-hive"
)

func init() {
	hive.RegisterModuleFunc("snlua", func() hive.Instance { return &Sandbox{} })
}

// defaultServicePath is used when the luaservice key is unset.
const defaultServicePath = "./service/?.lua;./examples/?.lua"

// registrySlotCost approximates the bytes one registry slot pins; the
// configured memory limit is mapped onto a registry cap with it. The cap is
// a ceiling on interpreter growth, not an exact byte meter: allocations past
// it fail inside the VM with a catchable error instead of taking the
// process down.
const registrySlotCost = 64

// Sandbox is one scripted service instance.
type Sandbox struct {
	ctx     *hive.Context
	stateMu sync.Mutex // serializes dispatch against DBGCMD from other workers
	state   *lua.LState
	handler *lua.LFunction
	forward bool // handler keeps payloads alive itself
	trap    atomic.Bool
	script  string
}

// Init implements hive.Instance
func (s *Sandbox) Init(ctx *hive.Context, args string) error {
	s.ctx = ctx
	name, rest, _ := strings.Cut(strings.TrimSpace(args), " ")
	if name == "" {
		return fmt.Errorf("snlua: no script name")
	}
	s.script = name

	opts := lua.Options{
		CallStackSize:       256,
		RegistrySize:        1024 * 8,
		RegistryGrowStep:    1024,
		SkipOpenLibs:        false,
		IncludeGoStackTrace: false,
	}
	if limit := ctx.GetEnv("memlimit"); limit != "" {
		bytes, err := strconv.ParseInt(limit, 10, 64)
		if err != nil || bytes <= 0 {
			return fmt.Errorf("snlua: bad memlimit %q", limit)
		}
		opts.RegistryMaxSize = int(bytes / registrySlotCost)
	}
	L := lua.NewState(opts)
	s.state = L

	if path := ctx.GetEnv("lua_path"); path != "" {
		pkg := L.GetGlobal("package").(*lua.LTable)
		L.SetField(pkg, "path", lua.LString(path))
	}
	L.PreloadModule("hive.core", s.openCore)

	if preload := ctx.GetEnv("preload"); preload != "" {
		if err := L.DoFile(preload); err != nil {
			L.Close()
			s.state = nil
			return fmt.Errorf("snlua: preload %s: %w", preload, err)
		}
	}

	path, err := s.findScript(name)
	if err != nil {
		L.Close()
		s.state = nil
		return err
	}
	// scripts read their launch arguments from the global arg table
	argTable := L.NewTable()
	for i, a := range strings.Fields(rest) {
		argTable.RawSetInt(i+1, lua.LString(a))
	}
	L.SetGlobal("arg", argTable)

	if err := L.DoFile(path); err != nil {
		L.Close()
		s.state = nil
		return fmt.Errorf("snlua: %s: %w", name, err)
	}

	ctx.SetCallback(s.dispatch)
	return nil
}

// findScript resolves a service name through the "?"-pattern search path.
func (s *Sandbox) findScript(name string) (string, error) {
	patterns := s.ctx.GetEnv("luaservice")
	if patterns == "" {
		patterns = defaultServicePath
	}
	var tried []string
	for _, pattern := range strings.Split(patterns, ";") {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		path := strings.ReplaceAll(pattern, "?", name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		tried = append(tried, path)
	}
	return "", fmt.Errorf("snlua: service %q not found (tried %s)", name, strings.Join(tried, ", "))
}

// dispatch delivers one message into the interpreter.
func (s *Sandbox) dispatch(ctx *hive.Context, msg *hive.Message) error {
	if s.trap.CompareAndSwap(true, false) {
		// cooperative trap requested via signal 0; it is reported in the
		// log and the delivery then proceeds as usual
		ctx.Log("%s: trap signal", s.script)
	}
	if s.handler == nil {
		return nil
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	L := s.state
	payload := s.payloadValue(L, msg)
	err := L.CallByParam(lua.P{
		Fn:      s.handler,
		NRet:    0,
		Protect: true,
	}, lua.LNumber(msg.Proto), lua.LNumber(msg.Session), lua.LNumber(uint32(msg.Source)), payload)
	if err != nil {
		// an uncaught script error never kills the service; it is logged
		// with the trace and the pending session (if any) stalls, which the
		// script layer must defend against
		ctx.Log("%s: %v", s.script, err)
	}
	return nil
}

// payloadValue converts a message payload into its Lua representation.
func (s *Sandbox) payloadValue(L *lua.LState, msg *hive.Message) lua.LValue {
	if sm, ok := msg.Obj.(*hive.SocketMessage); ok {
		t := L.NewTable()
		L.SetField(t, "type", lua.LNumber(sm.Type))
		L.SetField(t, "id", lua.LNumber(sm.ID))
		L.SetField(t, "ud", lua.LNumber(sm.UD))
		L.SetField(t, "addr", lua.LString(sm.Addr))
		if sm.Buffer != nil {
			L.SetField(t, "data", lua.LString(sm.Buffer))
		}
		return t
	}
	if msg.Data == nil {
		return lua.LNil
	}
	return lua.LString(msg.Data)
}

// Release implements hive.Instance
func (s *Sandbox) Release() {
	if s.state != nil {
		s.state.Close()
		s.state = nil
	}
}

// DebugCommand implements hive.Debugger: "ping" probes liveness, "mem"
// reports interpreter stack depth, anything else is handed to a script-side
// debug hook if the script installed one as the global DEBUG.
func (s *Sandbox) DebugCommand(cmd string) string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	switch cmd {
	case "ping":
		return "pong"
	case "mem":
		return fmt.Sprintf("stack=%d", s.state.GetTop())
	}
	hook := s.state.GetGlobal("DEBUG")
	if fn, ok := hook.(*lua.LFunction); ok {
		if err := s.state.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, lua.LString(cmd)); err != nil {
			return err.Error()
		}
		ret := s.state.Get(-1)
		s.state.Pop(1)
		return lua.LVAsString(ret)
	}
	return ""
}

// Signal implements hive.Signaler. Signal 0 sets the cooperative trap flag;
// signal 1 reports memory usage. Everything else is ignored.
func (s *Sandbox) Signal(n int) {
	switch n {
	case 0:
		s.trap.Store(true)
	case 1:
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		s.ctx.Log("%s: process heap %d KiB (per-state accounting is approximate)",
			s.script, ms.HeapAlloc/1024)
	}
}
