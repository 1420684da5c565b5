package proxy

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
)

// loopConn serves canned server bytes and records client writes.
type loopConn struct {
	r     io.Reader
	wrote bytes.Buffer
}

func (c *loopConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *loopConn) Write(p []byte) (int, error) { return c.wrote.Write(p) }
func (c *loopConn) Close() error                { return nil }

func TestWSTapObservesBothDirections(t *testing.T) {
	var server bytes.Buffer
	if err := ws.WriteFrame(&server, ws.NewTextFrame([]byte("hello"))); err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteFrame(&server, ws.NewBinaryFrame(make([]byte, 300))); err != nil {
		t.Fatal(err)
	}
	serverBytes := append([]byte(nil), server.Bytes()...)

	var client bytes.Buffer
	if err := ws.WriteFrame(&client, ws.MaskFrame(ws.NewTextFrame([]byte("hi")))); err != nil {
		t.Fatal(err)
	}

	var (
		mu     sync.Mutex
		frames []FrameInfo
	)
	conn := &loopConn{r: bytes.NewReader(serverBytes)}
	tap := newWSTap(conn, "ex-1", func(fi FrameInfo) {
		mu.Lock()
		frames = append(frames, fi)
		mu.Unlock()
	})

	// Small reads split frames across calls.
	got, err := io.ReadAll(io.LimitReader(tap, int64(len(serverBytes))))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, serverBytes) {
		t.Fatal("tap altered server stream")
	}
	clientBytes := client.Bytes()
	for i := 0; i < len(clientBytes); i += 3 {
		end := min(i+3, len(clientBytes))
		if _, err := tap.Write(clientBytes[i:end]); err != nil {
			t.Fatal(err)
		}
	}
	if !bytes.Equal(conn.wrote.Bytes(), clientBytes) {
		t.Fatal("tap altered client stream")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(frames)
		mu.Unlock()
		if n == 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	_ = tap.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3: %+v", len(frames), frames)
	}
	var sawText, sawBinary, sawClient bool
	for _, f := range frames {
		if f.ExchangeID != "ex-1" {
			t.Fatalf("exchange id = %q", f.ExchangeID)
		}
		switch {
		case f.Direction == DirServerToClient && f.OpCode == "text" && f.Length == 5:
			sawText = true
		case f.Direction == DirServerToClient && f.OpCode == "binary" && f.Length == 300:
			sawBinary = true
		case f.Direction == DirClientToServer && f.Masked && f.Length == 2:
			sawClient = true
		}
	}
	if !sawText || !sawBinary || !sawClient {
		t.Fatalf("unexpected frames: %+v", frames)
	}
}

func TestWSTapSurvivesGarbage(t *testing.T) {
	garbage := bytes.Repeat([]byte{0xff}, 64)
	conn := &loopConn{r: bytes.NewReader(garbage)}
	tap := newWSTap(conn, "ex-2", func(FrameInfo) {})
	got, err := io.ReadAll(tap)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, garbage) {
		t.Fatal("tap altered stream after parse error")
	}
	_ = tap.Close()
}
