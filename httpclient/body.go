package httpclient

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"

	json "github.com/goccy/go-json"
)

var errWriteAfterEnd = errors.New("httpclient: write after end")

// replayBody records the bytes read from a streamed payload so that every
// hop of a request, redirects and retries included, sends the same bytes.
// Readers returned by reader may be used one after the other or
// concurrently; each sees the payload from the start.
type replayBody struct {
	mu   sync.Mutex
	src  io.Reader
	data []byte
	err  error
	size int64
}

func newReplayBody(src io.Reader, size int64) *replayBody {
	return &replayBody{src: src, size: size}
}

func (b *replayBody) reader() io.Reader {
	return &replayReader{body: b}
}

// srcErr is the terminal error of src as seen by readers. Source failures
// are tagged as upload errors.
func (b *replayBody) srcErr() error {
	if errors.Is(b.err, io.EOF) {
		return io.EOF
	}
	return &uploadError{err: b.err}
}

type replayReader struct {
	body *replayBody
	off  int
}

func (r *replayReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b := r.body
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.off < len(b.data) {
		n := copy(p, b.data[r.off:])
		r.off += n
		return n, nil
	}
	if b.err != nil {
		return 0, b.srcErr()
	}

	n, err := b.src.Read(p)
	b.data = append(b.data, p[:n]...)
	r.off += n
	if err != nil {
		b.err = err
		if n == 0 {
			return 0, b.srcErr()
		}
	}
	return n, nil
}

// readerSize returns the number of bytes left in rd, or -1 when it cannot
// be known without reading.
func readerSize(rd io.Reader) int64 {
	switch v := rd.(type) {
	case interface{ Len() int }:
		return int64(v.Len())
	case *os.File:
		info, err := v.Stat()
		if err != nil || !info.Mode().IsRegular() {
			return -1
		}
		offset, err := v.Seek(0, io.SeekCurrent)
		if err != nil {
			return -1
		}
		return info.Size() - offset
	}
	return -1
}

// makeReplayable wraps a streamed Body so that successive attempts built
// from o share one recording of it.
func makeReplayable(o *NormalizedOptions) {
	if rd, ok := o.Body.(io.Reader); ok {
		o.Body = newReplayBody(rd, readerSize(rd))
	}
}

// progressReader reports every Read to onRead.
type progressReader struct {
	io.Reader
	onRead func(n int, err error)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.Reader.Read(b)
	p.onRead(n, err)
	return n, err
}

// progressBody is the ReadCloser flavour of progressReader used for
// response bodies.
type progressBody struct {
	io.ReadCloser
	onRead func(n int, err error)
}

func (p *progressBody) Read(b []byte) (int, error) {
	n, err := p.ReadCloser.Read(b)
	p.onRead(n, err)
	return n, err
}

// finalizeBody validates the payload options, serializes them and decides
// whether the writable side of the request stays open. It runs once, before
// the first hop.
func (r *Request) finalizeBody() error {
	o := r.options

	set := 0
	for _, v := range []any{o.Body, o.JSON, o.Form} {
		if v != nil {
			set++
		}
	}
	if set > 1 {
		return validationErrorf("The `body`, `json` and `form` options are mutually exclusive")
	}

	noBody := o.Method == http.MethodHead || (o.Method == http.MethodGet && !o.AllowGetBody)
	if set == 1 && noBody {
		return validationErrorf("The `%s` method cannot be used with a body", o.Method)
	}

	switch {
	case o.Form != nil:
		values, err := formValues(o.Form)
		if err != nil {
			return err
		}
		r.setPayload([]byte(values.Encode()), "application/x-www-form-urlencoded")
	case o.JSON != nil:
		data, err := json.Marshal(o.JSON)
		if err != nil {
			return &ValidationError{Message: "The `json` option cannot be serialized: " + err.Error(), Err: err}
		}
		r.setPayload(data, "application/json")
	case o.Body != nil:
		if err := r.setBody(o.Body); err != nil {
			return err
		}
	default:
		r.openWritable(noBody)
		return nil
	}

	r.writeErr = validationErrorf("The payload has been already provided")

	_, hasLength := o.Headers["content-length"]
	_, hasEncoding := o.Headers["transfer-encoding"]
	if r.uploadSize >= 0 && !hasLength && !hasEncoding {
		o.Headers["content-length"] = strconv.FormatInt(r.uploadSize, 10)
	}
	return nil
}

func (r *Request) setPayload(data []byte, contentType string) {
	r.payload = data
	r.hasPayload = true
	r.uploadSize = int64(len(data))
	if contentType == "" {
		return
	}
	if _, ok := r.options.Headers["content-type"]; !ok {
		r.options.Headers["content-type"] = contentType
	}
}

func (r *Request) setBody(body any) error {
	switch b := body.(type) {
	case string:
		r.setPayload([]byte(b), "")
	case []byte:
		r.setPayload(b, "")
	case *FormData:
		data, contentType, err := b.encode()
		if err != nil {
			return &uploadError{err: err}
		}
		r.setPayload(data, contentType)
	case *replayBody:
		r.stream = b
		r.uploadSize = b.size
	case io.Reader:
		rb := newReplayBody(b, readerSize(b))
		r.options.Body = rb
		r.stream = rb
		r.uploadSize = rb.size
	default:
		return validationErrorf("The `body` option must be a string, []byte, io.Reader or *FormData, got %T", body)
	}
	return nil
}

// openWritable handles requests without a payload option. Stream callers
// may then write the body themselves unless the method forbids one.
func (r *Request) openWritable(noBody bool) {
	o := r.options
	switch {
	case noBody:
		r.writeErr = validationErrorf("The `%s` method cannot be used with a body", o.Method)
	case r.autoEnd:
		r.writeErr = errWriteAfterEnd
	default:
		size := int64(-1)
		if v, ok := o.Headers["content-length"]; ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
				size = n
			}
		}
		pr, pw := io.Pipe()
		r.stream = newReplayBody(pr, size)
		r.pipe = pw
		r.uploadSize = size
	}
}

// hopBody returns a fresh reader over the payload and its size, or nil when
// the request has no body.
func (r *Request) hopBody() (io.Reader, int64) {
	switch {
	case r.stream != nil:
		return r.stream.reader(), r.uploadSize
	case r.hasPayload:
		return bytes.NewReader(r.payload), r.uploadSize
	}
	return nil, 0
}

// dropPayload forgets the payload after a redirect rewrote the method.
func (r *Request) dropPayload() {
	o := r.options
	o.Body, o.JSON, o.Form = nil, nil, nil
	r.payload, r.hasPayload, r.stream = nil, false, nil
	r.uploadSize = 0
	delete(o.Headers, "content-length")
}

func formValues(form any) (url.Values, error) {
	switch f := form.(type) {
	case url.Values:
		return f, nil
	case map[string]string:
		values := make(url.Values, len(f))
		for k, v := range f {
			values.Set(k, v)
		}
		return values, nil
	case map[string]any:
		values := make(url.Values, len(f))
		for k, v := range f {
			s, ok := searchParamValue(v)
			if !ok {
				return nil, validationErrorf("The `form` option must be an Object")
			}
			values.Set(k, s)
		}
		return values, nil
	}
	return nil, validationErrorf("The `form` option must be an Object")
}
