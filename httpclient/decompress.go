package httpclient

import (
	"bufio"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// acceptEncoding is sent when decompression is enabled and the caller did
// not set accept-encoding.
const acceptEncoding = "gzip, deflate, br"

type decoderFunc func(r io.Reader) (io.ReadCloser, error)

var decoders = map[string]decoderFunc{
	"gzip":    newGzipDecoder,
	"x-gzip":  newGzipDecoder,
	"deflate": newDeflateDecoder,
	"br": func(r io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(brotli.NewReader(r)), nil
	},
	"zstd": func(r io.Reader) (io.ReadCloser, error) {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	},
}

func newGzipDecoder(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

// newDeflateDecoder accepts both zlib wrapped and raw deflate streams, since
// servers disagree on what "deflate" means.
func newDeflateDecoder(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	header, err := br.Peek(2)
	if err == nil && isZlibHeader(header[0], header[1]) {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

func isZlibHeader(cmf, flg byte) bool {
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}

// decompressResponse replaces resp.Body with a decoding reader for known
// content encodings. Decoder setup is deferred to the first Read so that a
// corrupt stream surfaces as a read error.
func decompressResponse(resp *http.Response) {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	decode, ok := decoders[encoding]
	if !ok {
		return
	}
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified {
		return
	}

	resp.Body = &decodingBody{src: resp.Body, decode: decode}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
}

type decodingBody struct {
	src    io.ReadCloser
	decode decoderFunc
	dec    io.ReadCloser
	err    error
}

func (b *decodingBody) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	if b.dec == nil {
		br := bufio.NewReader(b.src)
		if _, err := br.Peek(1); err != nil {
			// An empty body is valid for any encoding.
			b.err = err
			if errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			return 0, err
		}
		dec, err := b.decode(br)
		if err != nil {
			b.err = err
			return 0, err
		}
		b.dec = dec
	}
	n, err := b.dec.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		b.err = err
	}
	return n, err
}

func (b *decodingBody) Close() error {
	if b.dec != nil {
		_ = b.dec.Close()
	}
	return b.src.Close()
}
