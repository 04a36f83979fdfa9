package hive

import (
	"fmt"
	"strconv"
	"strings"
)

// commandFunc handles one named runtime operation. Commands execute inline
// on the worker running the calling service's handler, so they see the
// service's state serialized for free; none of them may block.
type commandFunc func(n *Node, svc *Service, param string) (string, error)

var commandTable = map[string]commandFunc{
	"REG":       cmdReg,
	"QUERY":     cmdQuery,
	"NAME":      cmdName,
	"EXIT":      cmdExit,
	"KILL":      cmdKill,
	"LAUNCH":    cmdLaunch,
	"GETENV":    cmdGetEnv,
	"SETENV":    cmdSetEnv,
	"STARTTIME": cmdStartTime,
	"NOW":       cmdNow,
	"STAT":      cmdStat,
	"TIMEOUT":   cmdTimeout,
	"ABORT":     cmdAbort,
	"MONITOR":   cmdMonitor,
	"MQLEN":     cmdMqLen,
	"LOGON":     cmdLogOn,
	"LOGOFF":    cmdLogOff,
	"SIGNAL":    cmdSignal,
	"ENDLESS":   cmdEndless,
	"DBGCMD":    cmdDebugCmd,
}

// command dispatches one synchronous runtime operation.
func (n *Node) command(svc *Service, name, param string) (string, error) {
	fn, ok := commandTable[name]
	if !ok {
		return "", NewError(name, ErrBadCommand, name)
	}
	return fn(n, svc, param)
}

// addressString renders a handle in the external ":hhhhhhhh" form.
func addressString(h Handle) string {
	return fmt.Sprintf(":%08x", uint32(h))
}

// target resolves a command parameter naming a service; empty means self.
func target(n *Node, svc *Service, param string) (*Service, Handle, bool) {
	if param == "" {
		return svc, svc.handle, true
	}
	h := n.resolveName(param)
	if h == 0 {
		return nil, 0, false
	}
	t, ok := n.storage.Get(h)
	return t, h, ok
}

func cmdReg(n *Node, svc *Service, param string) (string, error) {
	if param == "" {
		return addressString(svc.handle), nil
	}
	if err := n.registerName(param, svc.handle); err != nil {
		return "", err
	}
	return param, nil
}

func cmdQuery(n *Node, svc *Service, param string) (string, error) {
	h := n.resolveName(param)
	if h == 0 {
		return "", NewError("QUERY", ErrServiceNotFound, param)
	}
	return addressString(h), nil
}

func cmdName(n *Node, svc *Service, param string) (string, error) {
	name, addr, ok := strings.Cut(param, " ")
	if !ok {
		return "", NewError("NAME", ErrBadParameter, param)
	}
	h := n.resolveName(addr)
	if h == 0 {
		return "", NewError("NAME", ErrServiceNotFound, addr)
	}
	if err := n.registerName(name, h); err != nil {
		return "", err
	}
	return name, nil
}

func cmdExit(n *Node, svc *Service, param string) (string, error) {
	n.serviceLog(svc.handle, "KILL self")
	n.retire(svc.handle)
	return "", nil
}

func cmdKill(n *Node, svc *Service, param string) (string, error) {
	h := n.resolveName(param)
	if h == 0 {
		return "", NewError("KILL", ErrServiceNotFound, param)
	}
	n.serviceLog(svc.handle, fmt.Sprintf("KILL %s", addressString(h)))
	if !n.retire(h) {
		return "", NewServiceError("KILL", h, ErrServiceNotFound, "")
	}
	return "", nil
}

func cmdLaunch(n *Node, svc *Service, param string) (string, error) {
	mod, args, _ := strings.Cut(strings.TrimSpace(param), " ")
	if mod == "" {
		return "", NewError("LAUNCH", ErrBadParameter, param)
	}
	h, err := n.Launch(mod, args)
	if err != nil {
		return "", err
	}
	return addressString(h), nil
}

func cmdGetEnv(n *Node, svc *Service, param string) (string, error) {
	return n.env.Get(param), nil
}

func cmdSetEnv(n *Node, svc *Service, param string) (string, error) {
	key, value, ok := strings.Cut(param, " ")
	if !ok || key == "" {
		return "", NewError("SETENV", ErrBadParameter, param)
	}
	n.env.Set(key, value)
	return "", nil
}

func cmdStartTime(n *Node, svc *Service, param string) (string, error) {
	return strconv.FormatInt(n.timer.StartTime(), 10), nil
}

func cmdNow(n *Node, svc *Service, param string) (string, error) {
	return strconv.FormatUint(n.timer.Now(), 10), nil
}

func cmdStat(n *Node, svc *Service, param string) (string, error) {
	switch param {
	case "cpu":
		return strconv.FormatInt(svc.cpuNS.Load(), 10), nil
	case "mqlen":
		return strconv.Itoa(svc.queue.Length()), nil
	case "message":
		return strconv.FormatInt(svc.messageCount.Load(), 10), nil
	case "endless":
		if svc.endless.Load() {
			return "1", nil
		}
		return "0", nil
	case "task":
		// logical tasks live in the script layer; the runtime sees none
		return "0", nil
	case "sock":
		st := n.poller.Stats()
		return fmt.Sprintf("recv:%d send:%d", st.RecvBytes, st.SendBytes), nil
	default:
		return "", NewError("STAT", ErrBadParameter, param)
	}
}

func cmdTimeout(n *Node, svc *Service, param string) (string, error) {
	ticks, err := strconv.Atoi(param)
	if err != nil {
		return "", NewError("TIMEOUT", ErrBadParameter, param)
	}
	session := svc.newSession()
	n.timeout(svc.handle, ticks, session)
	return strconv.FormatInt(int64(session), 10), nil
}

func cmdAbort(n *Node, svc *Service, param string) (string, error) {
	n.Abort()
	return "", nil
}

func cmdMonitor(n *Node, svc *Service, param string) (string, error) {
	if param == "" {
		mh := Handle(n.monitorHandle.Load())
		if mh == 0 {
			return "", nil
		}
		return addressString(mh), nil
	}
	h := n.resolveName(param)
	if h == 0 {
		return "", NewError("MONITOR", ErrServiceNotFound, param)
	}
	n.monitorHandle.Store(uint32(h))
	return "", nil
}

func cmdMqLen(n *Node, svc *Service, param string) (string, error) {
	t, _, ok := target(n, svc, param)
	if !ok {
		return "", NewError("MQLEN", ErrServiceNotFound, param)
	}
	return strconv.Itoa(t.queue.Length()), nil
}

func cmdLogOn(n *Node, svc *Service, param string) (string, error) {
	t, _, ok := target(n, svc, param)
	if !ok {
		return "", NewError("LOGON", ErrServiceNotFound, param)
	}
	if err := t.openLog(n.cfg.ServiceLogDir); err != nil {
		return "", WrapError("LOGON", err)
	}
	return "", nil
}

func cmdLogOff(n *Node, svc *Service, param string) (string, error) {
	t, _, ok := target(n, svc, param)
	if !ok {
		return "", NewError("LOGOFF", ErrServiceNotFound, param)
	}
	t.closeLog()
	return "", nil
}

func cmdSignal(n *Node, svc *Service, param string) (string, error) {
	addr, sigStr, _ := strings.Cut(param, " ")
	t, _, ok := target(n, svc, addr)
	if !ok {
		return "", NewError("SIGNAL", ErrServiceNotFound, addr)
	}
	sig := 0
	if sigStr != "" {
		v, err := strconv.Atoi(sigStr)
		if err != nil {
			return "", NewError("SIGNAL", ErrBadParameter, param)
		}
		sig = v
	}
	// optional capability: modules without signal support ignore it
	if sg, ok := t.instance.(Signaler); ok {
		sg.Signal(sig)
	}
	return "", nil
}

func cmdEndless(n *Node, svc *Service, param string) (string, error) {
	// re-arm the stuck-service warning for the caller
	svc.endless.Store(false)
	return "", nil
}

func cmdDebugCmd(n *Node, svc *Service, param string) (string, error) {
	addr, rest, _ := strings.Cut(param, " ")
	t, _, ok := target(n, svc, addr)
	if !ok {
		return "", NewError("DBGCMD", ErrServiceNotFound, addr)
	}
	if dbg, ok := t.instance.(Debugger); ok {
		return dbg.DebugCommand(rest), nil
	}
	return "", nil
}
