package httpclient

import (
	"bytes"
	"io"
	"net/http"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const plainPayload = "the quick brown fox jumps over the lazy dog"

func compress(t *testing.T, encoding string) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch encoding {
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "deflate":
		w = zlib.NewWriter(&buf)
	case "raw-deflate":
		w, err = flate.NewWriter(&buf, flate.DefaultCompression)
	case "br":
		w = brotli.NewWriter(&buf)
	case "zstd":
		w, err = zstd.NewWriter(&buf)
	}
	require.NoError(t, err)
	_, err = io.WriteString(w, plainPayload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDecompressResponse(t *testing.T) {
	tests := []struct {
		name     string
		encoding string
		codec    string
	}{
		{name: "given gzip, then inflates it", encoding: "gzip", codec: "gzip"},
		{name: "given zlib deflate, then inflates it", encoding: "deflate", codec: "deflate"},
		{name: "given raw deflate, then inflates it", encoding: "deflate", codec: "raw-deflate"},
		{name: "given brotli, then decodes it", encoding: "br", codec: "br"},
		{name: "given zstd, then decodes it", encoding: "zstd", codec: "zstd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := compress(t, tt.codec)
			resp := &http.Response{
				StatusCode:    http.StatusOK,
				Header:        http.Header{"Content-Encoding": []string{tt.encoding}, "Content-Length": []string{"1"}},
				Body:          io.NopCloser(bytes.NewReader(body)),
				ContentLength: int64(len(body)),
			}

			decompressResponse(resp)
			got, err := io.ReadAll(resp.Body)
			require.NoError(t, err)

			assert.Equal(t, plainPayload, string(got))
			assert.Empty(t, resp.Header.Get("Content-Encoding"))
			assert.Empty(t, resp.Header.Get("Content-Length"))
			assert.Equal(t, int64(-1), resp.ContentLength)
			assert.True(t, resp.Uncompressed)
			assert.NoError(t, resp.Body.Close())
		})
	}
}

func TestDecompressResponse_Untouched(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		encoding string
	}{
		{name: "given an unknown encoding, then leaves the body", status: http.StatusOK, encoding: "compress"},
		{name: "given identity, then leaves the body", status: http.StatusOK, encoding: ""},
		{name: "given 204, then leaves the body", status: http.StatusNoContent, encoding: "gzip"},
		{name: "given 304, then leaves the body", status: http.StatusNotModified, encoding: "gzip"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{
				StatusCode: tt.status,
				Header:     http.Header{"Content-Encoding": []string{tt.encoding}},
				Body:       io.NopCloser(bytes.NewReader([]byte("raw"))),
			}
			decompressResponse(resp)
			assert.Equal(t, tt.encoding, resp.Header.Get("Content-Encoding"))
			assert.False(t, resp.Uncompressed)
		})
	}
}

func TestDecompressResponse_EmptyAndCorrupt(t *testing.T) {
	empty := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Encoding": []string{"gzip"}},
		Body:       io.NopCloser(bytes.NewReader(nil)),
	}
	decompressResponse(empty)
	got, err := io.ReadAll(empty.Body)
	require.NoError(t, err)
	assert.Empty(t, got)

	corrupt := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Encoding": []string{"gzip"}},
		Body:       io.NopCloser(bytes.NewReader([]byte("not gzip at all"))),
	}
	decompressResponse(corrupt)
	_, err = io.ReadAll(corrupt.Body)
	assert.Error(t, err)
}

func TestIsZlibHeader(t *testing.T) {
	zl := compress(t, "deflate")
	assert.True(t, isZlibHeader(zl[0], zl[1]))
	raw := compress(t, "raw-deflate")
	assert.False(t, isZlibHeader(raw[0], raw[1]))
}
