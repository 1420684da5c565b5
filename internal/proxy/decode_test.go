package proxy

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(b)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func zlibBytes(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(b)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func rawDeflateBytes(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = w.Write(b)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func brotliBytes(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	_, err := w.Write(b)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func zstdBytes(t *testing.T, b []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(b, nil)
}

func TestDecodeBodyCodings(t *testing.T) {
	plain := []byte(`{"token":"abc","items":[1,2,3]}`)
	cases := []struct {
		name   string
		header string
		body   []byte
	}{
		{"identity", "identity", plain},
		{"none", "", plain},
		{"gzip", "gzip", gzipBytes(t, plain)},
		{"x-gzip", "x-gzip", gzipBytes(t, plain)},
		{"deflate zlib", "deflate", zlibBytes(t, plain)},
		{"deflate raw", "deflate", rawDeflateBytes(t, plain)},
		{"br", "br", brotliBytes(t, plain)},
		{"zstd", "zstd", zstdBytes(t, plain)},
		{"stacked", "deflate, gzip", gzipBytes(t, zlibBytes(t, plain))},
		{"case", " GZIP ", gzipBytes(t, plain)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeBody(tc.header, tc.body, 1<<20)
			require.NoError(t, err)
			require.Equal(t, plain, got)
		})
	}
}

func TestDecodeBodyFailures(t *testing.T) {
	_, err := DecodeBody("gzip", []byte("definitely not gzip"), 1<<20)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	require.Equal(t, "gzip", de.Encoding)

	_, err = DecodeBody("compress", []byte("x"), 1<<20)
	require.Error(t, err)

	big := []byte(strings.Repeat("A", 64<<10))
	_, err = DecodeBody("gzip", gzipBytes(t, big), 1024)
	require.True(t, errors.Is(err, ErrDecodedTooLarge), "got %v", err)
}

func TestEncodings(t *testing.T) {
	require.Equal(t, []string{"gzip", "br"}, Encodings("gzip, identity, BR"))
	require.Empty(t, Encodings(""))
}
