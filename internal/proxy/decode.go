package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// ErrDecodedTooLarge is returned when a body inflates past the capture cap.
var ErrDecodedTooLarge = errors.New("decoded body exceeds limit")

// DecodeError reports a Content-Encoding that could not be undone.
type DecodeError struct {
	Encoding string
	Err      error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode %s: %v", e.Encoding, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// Encodings parses a Content-Encoding header into codings in the order they
// were applied. "identity" is dropped.
func Encodings(header string) []string {
	var out []string
	for _, p := range strings.Split(header, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || p == "identity" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// DecodeBody undoes every coding in header, last applied first. The result
// never exceeds max bytes; a larger result is an error so a compression
// bomb cannot inflate captured state.
func DecodeBody(header string, body []byte, max int64) ([]byte, error) {
	codings := Encodings(header)
	out := body
	for i := len(codings) - 1; i >= 0; i-- {
		dec, err := decodeOne(codings[i], out, max)
		if err != nil {
			return nil, &DecodeError{Encoding: codings[i], Err: err}
		}
		out = dec
	}
	return out, nil
}

func decodeOne(coding string, body []byte, max int64) ([]byte, error) {
	var (
		r   io.Reader
		err error
	)
	src := bytes.NewReader(body)
	switch coding {
	case "gzip", "x-gzip":
		var zr *gzip.Reader
		if zr, err = gzip.NewReader(src); err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	case "deflate":
		// Servers disagree on whether deflate means zlib-wrapped or raw.
		if zr, zerr := zlib.NewReader(bytes.NewReader(body)); zerr == nil {
			defer zr.Close()
			if out, err := readCapped(zr, max); err == nil {
				return out, nil
			}
		}
		fr := flate.NewReader(src)
		defer fr.Close()
		r = fr
	case "br":
		r = brotli.NewReader(src)
	case "zstd":
		var opts []zstd.DOption
		if max > 0 {
			opts = append(opts, zstd.WithDecoderMaxMemory(uint64(max)+1))
		}
		var zd *zstd.Decoder
		if zd, err = zstd.NewReader(src, opts...); err != nil {
			return nil, err
		}
		defer zd.Close()
		r = zd
	default:
		return nil, fmt.Errorf("unsupported coding %q", coding)
	}
	return readCapped(r, max)
}

func readCapped(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	out, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > max {
		return nil, ErrDecodedTooLarge
	}
	return out, nil
}
