package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"acp/internal/action"
)

// Terminal prompts a human directly on a terminal (stdin/stdout) and
// waits for a y/n line, honouring the given deadline.
type Terminal struct {
	In     io.Reader
	Out    io.Writer
	Logger *log.Logger
}

// NewTerminal builds a Terminal channel bound to in/out.
func NewTerminal(in io.Reader, out io.Writer, logger *log.Logger) *Terminal {
	return &Terminal{In: in, Out: out, Logger: logger}
}

func (t *Terminal) Ask(ctx context.Context, a action.Action, deadline time.Time) (bool, string, error) {
	fmt.Fprintf(t.Out, "\nagent wants to reach %s:%d (%s %s)\n", a.Host, a.Port, a.Method, a.URL)
	fmt.Fprintf(t.Out, "approve? [y/N] ")

	type result struct {
		line string
		err  error
	}
	lines := make(chan result, 1)
	go func() {
		scanner := bufio.NewScanner(t.In)
		if scanner.Scan() {
			lines <- result{line: scanner.Text()}
			return
		}
		lines <- result{err: scanner.Err()}
	}()

	select {
	case r := <-lines:
		if r.err != nil {
			return false, "", fmt.Errorf("%w: %v", ErrUnreachable, r.err)
		}
		answer := strings.ToLower(strings.TrimSpace(r.line))
		if answer == "y" || answer == "yes" {
			return true, "approved at terminal", nil
		}
		return false, "denied at terminal", nil
	case <-ctx.Done():
		return false, "", ErrTimeout
	case <-time.After(time.Until(deadline)):
		return false, "", ErrTimeout
	}
}
