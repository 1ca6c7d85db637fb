// Package devicetest provides a scripted mount connection for tests.
package devicetest

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

// Handler answers one request line. An empty answer sends nothing, which
// the client sees as a timeout.
type Handler func(request string) string

// Port is an io.ReadWriteCloser that answers every written line through a
// Handler and records the requests.
type Port struct {
	handler Handler

	mu       sync.Mutex
	pending  []byte
	requests []string

	r *io.PipeReader
	w *io.PipeWriter
}

func New(handler Handler) *Port {
	r, w := io.Pipe()
	return &Port{handler: handler, r: r, w: w}
}

func (p *Port) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.pending = append(p.pending, b...)
	var lines []string
	for {
		i := bytes.IndexByte(p.pending, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(p.pending[:i]))
		p.pending = p.pending[i+1:]
	}
	p.requests = append(p.requests, lines...)
	p.mu.Unlock()

	for _, line := range lines {
		if resp := p.handler(line); resp != "" {
			if _, err := io.WriteString(p.w, resp+"\n"); err != nil {
				return 0, err
			}
		}
	}
	return len(b), nil
}

// Inject sends an unsolicited line to the client.
func (p *Port) Inject(line string) error {
	_, err := io.WriteString(p.w, line+"\n")
	return err
}

func (p *Port) Close() error {
	p.w.Close()
	return p.r.Close()
}

// Requests returns every line written so far.
func (p *Port) Requests() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.requests...)
}

// Commands returns the command token of every request, without the marker.
func (p *Port) Commands() []string {
	var out []string
	for _, req := range p.Requests() {
		out = append(out, strings.TrimPrefix(strings.Fields(req)[0], "+"))
	}
	return out
}

// Echo answers every request with its command token followed by fields.
func Echo(fields map[string]string) Handler {
	return func(request string) string {
		cmd := strings.Fields(request)[0]
		if f, ok := fields[strings.TrimPrefix(cmd, "+")]; ok && f != "" {
			return cmd + " " + f
		}
		return cmd
	}
}
