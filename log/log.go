// Package log is a structured, levelled logger in the idiom of
// github.com/ledgerwatch/turbo-geth/log: call sites log key/value
// pairs (log.Info("msg", "key", val, ...)), output is colourised when
// the destination is a terminal, and every subsystem can derive a
// contextual logger via New(ctx ...interface{}) instead of reaching
// for a global.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Lvl is the severity of a log record, ordered most to least severe.
type Lvl int

const (
	LvlCrit Lvl = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Lvl) String() string {
	switch l {
	case LvlCrit:
		return "CRIT"
	case LvlError:
		return "ERROR"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DEBUG"
	case LvlTrace:
		return "TRACE"
	default:
		return "???"
	}
}

var lvlColor = map[Lvl]*color.Color{
	LvlCrit:  color.New(color.FgMagenta, color.Bold),
	LvlError: color.New(color.FgRed),
	LvlWarn:  color.New(color.FgYellow),
	LvlInfo:  color.New(color.FgGreen),
	LvlDebug: color.New(color.FgCyan),
	LvlTrace: color.New(color.FgWhite),
}

// Logger emits records carrying a fixed set of contextual key/value
// pairs in addition to whatever is passed per-call.
type Logger interface {
	New(ctx ...interface{}) Logger
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
}

type logger struct {
	ctx []interface{}
}

var (
	mu       sync.Mutex
	out      io.Writer
	colorful bool
	minLvl   = LvlDebug
)

func init() {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		out = colorable.NewColorable(os.Stderr)
		colorful = true
	} else {
		out = os.Stderr
	}
}

// SetOutput redirects every logger's destination (tests use this to
// capture output).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	colorful = false
}

// SetLevel sets the minimum level that is actually emitted.
func SetLevel(l Lvl) {
	mu.Lock()
	defer mu.Unlock()
	minLvl = l
}

var root Logger = &logger{}

// Root returns the process-wide root logger.
func Root() Logger { return root }

// New returns a contextual logger rooted at the process-wide logger.
func New(ctx ...interface{}) Logger { return root.New(ctx...) }

func (l *logger) New(ctx ...interface{}) Logger {
	nctx := make([]interface{}, 0, len(l.ctx)+len(ctx))
	nctx = append(nctx, l.ctx...)
	nctx = append(nctx, ctx...)
	return &logger{ctx: nctx}
}

func (l *logger) Trace(msg string, ctx ...interface{}) { l.write(LvlTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...interface{}) { l.write(LvlDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.write(LvlInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.write(LvlWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.write(LvlError, msg, ctx) }
func (l *logger) Crit(msg string, ctx ...interface{})  { l.write(LvlCrit, msg, ctx) }

func (l *logger) write(lvl Lvl, msg string, ctx []interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if lvl > minLvl {
		return
	}
	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02T15:04:05.000-0700"))
	b.WriteByte(' ')
	lvlTxt := fmt.Sprintf("%-5s", lvl.String())
	if colorful {
		b.WriteString(lvlColor[lvl].Sprint(lvlTxt))
	} else {
		b.WriteString(lvlTxt)
	}
	b.WriteByte(' ')
	b.WriteString(msg)
	writePairs(&b, l.ctx)
	writePairs(&b, ctx)
	if lvl <= LvlDebug {
		if call := stack.Caller(2); call != nil {
			fmt.Fprintf(&b, " caller=%+v", call)
		}
	}
	b.WriteByte('\n')
	_, _ = io.WriteString(out, b.String())
}

func writePairs(b *strings.Builder, ctx []interface{}) {
	for i := 0; i+1 < len(ctx); i += 2 {
		fmt.Fprintf(b, " %v=%v", ctx[i], ctx[i+1])
	}
	if len(ctx)%2 == 1 {
		fmt.Fprintf(b, " %v=MISSING", ctx[len(ctx)-1])
	}
}
