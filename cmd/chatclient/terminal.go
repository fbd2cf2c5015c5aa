package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"pollchat/internal/client"
)

// terminal renders agent updates as plain text lines.
type terminal struct {
	mu   sync.Mutex
	out  io.Writer
	seen int64
}

func newTerminal(out io.Writer) *terminal {
	return &terminal{out: out}
}

func (t *terminal) Header(e *client.EmbedResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "== session %d as %s ==\n", e.SessionID, e.UserName)
}

// RenderMessages prints only messages newer than the last printed one.
func (t *terminal) RenderMessages(msgs []client.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range msgs {
		if m.ID <= t.seen {
			continue
		}
		fmt.Fprintf(t.out, "[%s] %s: %s\n", m.Timestamp, m.UserName, m.Message)
		t.seen = m.ID
	}
}

func (t *terminal) RenderTyping(names []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch len(names) {
	case 0:
		return
	case 1:
		fmt.Fprintf(t.out, "* %s is typing...\n", names[0])
	default:
		fmt.Fprintf(t.out, "* %s are typing...\n", strings.Join(names, ", "))
	}
}

func (t *terminal) RenderProduct(p *client.Product) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "-- %s (%s) %s\n", p.Name, p.Price, p.URL)
}

func (t *terminal) ShowError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "! %v\n", err)
}
