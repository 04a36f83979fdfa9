// Package logger implements the node's logger service: the first service
// started, and the sink for every TEXT line the runtime or other services
// emit. SYSTEM messages reopen the sink so external log rotation works; the
// daily and hourly modes rotate by themselves.
package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	hive "github.com/ehrlich-b/go-hive"
	"github.com/ehrlich-b/go-hive/internal/logging"
)

func init() {
	hive.RegisterModuleFunc("logger", func() hive.Instance { return &Logger{} })
}

type rotation int

const (
	rotateNone rotation = iota
	rotateDaily
	rotateHourly
)

// Logger is one logger service instance.
//
// Init argument: "<path> [daily|hourly]". An empty path selects stdout. With
// a rotation mode the active file is "<path>.<stamp>" and rolls over when
// the period changes.
type Logger struct {
	mu     sync.Mutex
	path   string
	mode   rotation
	stamp  string
	file   *os.File
	closef bool // file is ours to close
}

// Init implements hive.Instance
func (l *Logger) Init(ctx *hive.Context, args string) error {
	fields := strings.Fields(args)
	if len(fields) > 0 {
		l.path = fields[0]
	}
	if len(fields) > 1 {
		switch fields[1] {
		case "daily":
			l.mode = rotateDaily
		case "hourly":
			l.mode = rotateHourly
		default:
			return fmt.Errorf("logger: unknown rotation %q", fields[1])
		}
	}
	if err := l.open(); err != nil {
		return err
	}
	ctx.SetCallback(l.handle)
	return nil
}

// periodStamp names the current rotation period.
func (l *Logger) periodStamp(now time.Time) string {
	switch l.mode {
	case rotateDaily:
		return now.Format("20060102")
	case rotateHourly:
		return now.Format("2006010215")
	}
	return ""
}

// open (re)opens the sink. Caller must not hold the lock.
func (l *Logger) open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openLocked()
}

func (l *Logger) openLocked() error {
	if l.file != nil && l.closef {
		_ = l.file.Close()
		l.file = nil
	}
	if l.path == "" {
		l.file = os.Stdout
		l.closef = false
		return nil
	}
	path := l.path
	l.stamp = l.periodStamp(time.Now())
	if l.stamp != "" {
		path = l.path + "." + l.stamp
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log %s: %w", path, err)
	}
	l.file = f
	l.closef = true
	return nil
}

func (l *Logger) handle(ctx *hive.Context, msg *hive.Message) error {
	switch msg.Proto {
	case hive.ProtoText:
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.mode != rotateNone && l.periodStamp(time.Now()) != l.stamp {
			if err := l.openLocked(); err != nil {
				logging.Error("logger rollover failed", "path", l.path, "error", err)
			}
		}
		_, err := fmt.Fprintf(l.file, "[:%08x] %s\n", uint32(msg.Source), msg.Data)
		return err
	case hive.ProtoSystem:
		// external rotation moved the file; reopen the path
		if err := l.open(); err != nil {
			logging.Error("logger reopen failed", "path", l.path, "error", err)
			return err
		}
		return nil
	}
	return nil
}

// Release implements hive.Instance
func (l *Logger) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil && l.closef {
		_ = l.file.Close()
		l.file = nil
	}
}

// Signal implements hive.Signaler: signal 1 reopens the sink, anything else
// is ignored.
func (l *Logger) Signal(n int) {
	if n == 1 {
		_ = l.open()
	}
}
