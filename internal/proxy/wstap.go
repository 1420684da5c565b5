package proxy

import (
	"bufio"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gobwas/ws"
)

// Frame directions.
const (
	DirClientToServer = "client"
	DirServerToClient = "server"
)

// FrameInfo describes one observed WebSocket frame. Payloads are not kept.
type FrameInfo struct {
	ExchangeID string `json:"exchange_id"`
	Direction  string `json:"direction"`
	OpCode     string `json:"opcode"`
	Length     int64  `json:"length"`
	Fin        bool   `json:"fin"`
	Masked     bool   `json:"masked"`
}

func isWebSocketUpgrade(h http.Header) bool {
	return strings.EqualFold(h.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(h.Get("Connection")), "upgrade")
}

func opName(op ws.OpCode) string {
	switch op {
	case ws.OpContinuation:
		return "continuation"
	case ws.OpText:
		return "text"
	case ws.OpBinary:
		return "binary"
	case ws.OpClose:
		return "close"
	case ws.OpPing:
		return "ping"
	case ws.OpPong:
		return "pong"
	default:
		return "reserved"
	}
}

// frameParser follows a byte stream and reports frame headers. It never
// alters the stream it observes: bytes are copied into a pipe and a parse
// error just stops observation.
type frameParser struct {
	pw   *io.PipeWriter
	once sync.Once
	dead bool
	mu   sync.Mutex
}

func newFrameParser(onFrame func(ws.Header)) *frameParser {
	pr, pw := io.Pipe()
	fp := &frameParser{pw: pw}
	go func() {
		br := bufio.NewReader(pr)
		for {
			h, err := ws.ReadHeader(br)
			if err != nil {
				_ = pr.CloseWithError(err)
				fp.markDead()
				return
			}
			onFrame(h)
			if _, err := io.CopyN(io.Discard, br, h.Length); err != nil {
				_ = pr.CloseWithError(err)
				fp.markDead()
				return
			}
		}
	}()
	return fp
}

func (fp *frameParser) markDead() {
	fp.mu.Lock()
	fp.dead = true
	fp.mu.Unlock()
}

func (fp *frameParser) feed(b []byte) {
	fp.mu.Lock()
	dead := fp.dead
	fp.mu.Unlock()
	if dead || len(b) == 0 {
		return
	}
	// Copy: the caller reuses its buffer once Read/Write returns.
	_, _ = fp.pw.Write(append([]byte(nil), b...))
}

func (fp *frameParser) close() {
	fp.once.Do(func() { _ = fp.pw.Close() })
}

// wsTap wraps the upgraded upstream connection. Reads carry server frames,
// writes carry client frames.
type wsTap struct {
	io.ReadWriteCloser
	in, out *frameParser
}

func newWSTap(rwc io.ReadWriteCloser, exchangeID string, onFrame func(FrameInfo)) *wsTap {
	mk := func(dir string) *frameParser {
		return newFrameParser(func(h ws.Header) {
			onFrame(FrameInfo{
				ExchangeID: exchangeID,
				Direction:  dir,
				OpCode:     opName(h.OpCode),
				Length:     h.Length,
				Fin:        h.Fin,
				Masked:     h.Masked,
			})
		})
	}
	return &wsTap{ReadWriteCloser: rwc, in: mk(DirServerToClient), out: mk(DirClientToServer)}
}

func (t *wsTap) Read(p []byte) (int, error) {
	n, err := t.ReadWriteCloser.Read(p)
	if n > 0 {
		t.in.feed(p[:n])
	}
	return n, err
}

func (t *wsTap) Write(p []byte) (int, error) {
	n, err := t.ReadWriteCloser.Write(p)
	if n > 0 {
		t.out.feed(p[:n])
	}
	return n, err
}

func (t *wsTap) Close() error {
	t.in.close()
	t.out.close()
	return t.ReadWriteCloser.Close()
}
