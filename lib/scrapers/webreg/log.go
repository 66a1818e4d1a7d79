package webreg

import (
	"fmt"
	"io"
	"os"
	"sync"
	"webreg-backend/lib/timezone"
)

// term tag used by workflows that run outside any term context
const TermTagNone = "N/A"

// Logger writes the one-line-per-step progress log both workflows emit,
// in the form `[<local timestamp>] [<term>] <message>`.
type Logger struct {
	mu  sync.Mutex
	out io.Writer
}

func NewLogger(out io.Writer) *Logger {
	if out == nil {
		out = os.Stdout
	}
	return &Logger{out: out}
}

func (l *Logger) Printf(term, format string, args ...any) {
	timestamp := timezone.Now().Format("2006-01-02 15:04:05")
	line := fmt.Sprintf("[%s] [%s] %s\n", timestamp, term, fmt.Sprintf(format, args...))

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.out, line)
}
