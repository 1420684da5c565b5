package proxy

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/elazarl/goproxy"
)

// captureBody reads at most max bytes of *rc for capture and replaces *rc
// so the full original stream is still forwarded. Used for request bodies,
// which the upstream transport needs whole anyway.
func captureBody(rc *io.ReadCloser, max int64) ([]byte, bool, error) {
	orig := *rc
	if orig == nil || orig == http.NoBody {
		return nil, false, nil
	}
	head, err := io.ReadAll(io.LimitReader(orig, max+1))
	*rc = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), orig), orig}
	truncated := int64(len(head)) > max
	if truncated {
		head = head[:max]
	}
	return append([]byte(nil), head...), truncated, err
}

// roundTrip installs the response tee before goproxy sees the body. goproxy
// drops Content-Length whenever a response filter swaps the body, so the
// swap has to happen here for the client to get the upstream framing.
func (s *Server) roundTrip(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Response, error) {
	resp, err := ctx.Proxy.Tr.RoundTrip(req)
	if err != nil || resp == nil || !hasBody(req, resp) {
		return resp, err
	}
	resp.Body = newTeeBody(resp.Body, s.maxBody.Load())
	return resp, nil
}

func hasBody(req *http.Request, resp *http.Response) bool {
	return resp.Body != nil && resp.Body != http.NoBody && req.Method != http.MethodHead &&
		resp.StatusCode != http.StatusSwitchingProtocols && resp.StatusCode != http.StatusNoContent &&
		resp.StatusCode != http.StatusNotModified
}

var errClientGone = errors.New("body closed before EOF")

// teeBody forwards the upstream body unchanged while keeping the first max
// bytes. The capture completes once, at EOF, on a read error or on Close.
type teeBody struct {
	rc  io.ReadCloser
	max int64

	mu        sync.Mutex
	buf       bytes.Buffer
	truncated bool
	finished  bool
	err       error
	done      func(raw []byte, truncated bool, err error)
}

func newTeeBody(rc io.ReadCloser, limit int64) *teeBody {
	return &teeBody{rc: rc, max: limit}
}

func (t *teeBody) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if n > 0 {
		t.record(p[:n])
	}
	switch {
	case err == io.EOF:
		t.finish(nil)
	case err != nil:
		t.finish(err)
	}
	return n, err
}

func (t *teeBody) Close() error {
	err := t.rc.Close()
	t.finish(errClientGone)
	return err
}

func (t *teeBody) record(b []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	room := t.max - int64(t.buf.Len())
	if int64(len(b)) > room {
		b = b[:max(room, 0)]
		t.truncated = true
	}
	t.buf.Write(b)
}

func (t *teeBody) finish(err error) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	if errors.Is(err, errClientGone) {
		// Only a prefix was seen.
		t.truncated, err = true, nil
	}
	t.err = err
	fn := t.done
	t.mu.Unlock()
	if fn != nil {
		fn(t.buf.Bytes(), t.truncated, t.err)
	}
}

// onDone registers fn, running it at once if the body already completed.
func (t *teeBody) onDone(fn func(raw []byte, truncated bool, err error)) {
	t.mu.Lock()
	if !t.finished {
		t.done = fn
		t.mu.Unlock()
		return
	}
	raw, truncated, err := t.buf.Bytes(), t.truncated, t.err
	t.mu.Unlock()
	fn(raw, truncated, err)
}
