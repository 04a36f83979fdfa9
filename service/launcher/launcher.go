// Package launcher implements the service that starts other services on
// request and keeps the book of what it launched.
//
// Text commands: "LAUNCH <module> [args]" (replies with the new address),
// "REMOVE <:addr>", "LIST". Sessioned requests get a ProtoResponse carrying
// the result; a failed request gets a ProtoResponse of "ERROR <message>",
// and the runtime logs the error.
package launcher

import (
	"fmt"
	"sort"
	"strings"

	hive "github.com/ehrlich-b/go-hive"
)

func init() {
	hive.RegisterModuleFunc("launcher", func() hive.Instance { return &Launcher{} })
}

// Launcher is one launcher instance.
type Launcher struct {
	ctx      *hive.Context
	launched map[hive.Handle]string // handle -> "module args"
}

// Init implements hive.Instance
func (l *Launcher) Init(ctx *hive.Context, args string) error {
	l.ctx = ctx
	l.launched = make(map[hive.Handle]string)
	ctx.SetCallback(l.handle)
	if _, err := ctx.Command("REG", ".launcher"); err != nil {
		return err
	}
	return nil
}

// Release implements hive.Instance
func (l *Launcher) Release() {}

func (l *Launcher) handle(ctx *hive.Context, msg *hive.Message) error {
	if msg.Proto != hive.ProtoText {
		return nil
	}
	cmd, param, _ := strings.Cut(string(msg.Data), " ")
	var reply string
	var err error
	switch cmd {
	case "LAUNCH":
		reply, err = l.launch(param)
	case "REMOVE":
		h := ctx.Node().Resolve(param)
		delete(l.launched, h)
	case "LIST":
		reply = l.list()
	default:
		err = fmt.Errorf("launcher: unknown command %q", cmd)
	}
	if msg.Session != 0 && msg.Source != 0 {
		if err != nil {
			reply = "ERROR " + err.Error()
		}
		_, serr := ctx.Send(msg.Source, hive.ProtoResponse, 0, msg.Session, []byte(reply))
		if serr != nil {
			return serr
		}
	}
	return err
}

func (l *Launcher) launch(param string) (string, error) {
	addr, err := l.ctx.Command("LAUNCH", param)
	if err != nil {
		return "", err
	}
	h := l.ctx.Node().Resolve(addr)
	l.launched[h] = param
	return addr, nil
}

func (l *Launcher) list() string {
	lines := make([]string, 0, len(l.launched))
	for h, what := range l.launched {
		lines = append(lines, fmt.Sprintf(":%08x %s", uint32(h), what))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}
