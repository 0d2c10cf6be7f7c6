package httpclient

import (
	"bytes"
	"errors"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayBody_Readers(t *testing.T) {
	body := newReplayBody(strings.NewReader("hello world"), 11)

	first, err := io.ReadAll(body.reader())
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(first))

	second, err := io.ReadAll(body.reader())
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(second))
	assert.Equal(t, int64(11), body.size)
}

func TestReplayBody_InterleavedReaders(t *testing.T) {
	body := newReplayBody(strings.NewReader("abcdef"), -1)
	a, b := body.reader(), body.reader()

	buf := make([]byte, 2)
	n, err := a.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(buf[:n]))

	rest, err := io.ReadAll(b)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(rest))

	rest, err = io.ReadAll(a)
	require.NoError(t, err)
	assert.Equal(t, "cdef", string(rest))
}

func TestReplayBody_ConcurrentReaders(t *testing.T) {
	payload := strings.Repeat("x", 64*1024)
	body := newReplayBody(strings.NewReader(payload), -1)

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := io.ReadAll(body.reader())
			assert.NoError(t, err)
			results[i] = string(data)
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, payload, got)
	}
}

func TestReplayBody_SourceError(t *testing.T) {
	errBoom := errors.New("boom")
	body := newReplayBody(io.MultiReader(strings.NewReader("ab"), iotestErrReader{err: errBoom}), -1)

	data, err := io.ReadAll(body.reader())
	assert.Equal(t, "ab", string(data))
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)

	var ue *uploadError
	assert.ErrorAs(t, err, &ue)

	// Later readers see the recorded bytes then the same failure.
	data, err = io.ReadAll(body.reader())
	assert.Equal(t, "ab", string(data))
	assert.ErrorIs(t, err, errBoom)
}

func TestReplayBody_EmptyRead(t *testing.T) {
	body := newReplayBody(strings.NewReader("abc"), 3)
	n, err := body.reader().Read(nil)
	assert.Zero(t, n)
	assert.NoError(t, err)
}

func TestReaderSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.txt")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o600))

	file, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = file.Close() })
	_, err = file.Seek(4, io.SeekStart)
	require.NoError(t, err)

	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	tests := []struct {
		name string
		rd   io.Reader
		want int64
	}{
		{name: "given a strings.Reader, then returns its length", rd: strings.NewReader("abc"), want: 3},
		{name: "given a bytes.Buffer, then returns unread bytes", rd: bytes.NewBufferString("abcd"), want: 4},
		{name: "given a file past its start, then returns the remaining size", rd: file, want: 6},
		{name: "given a pipe, then size is unknown", rd: pr, want: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, readerSize(tt.rd))
		})
	}
}

func TestMakeReplayable(t *testing.T) {
	t.Run("given a reader body, then wraps it once", func(t *testing.T) {
		o := &NormalizedOptions{Body: strings.NewReader("data")}
		makeReplayable(o)

		rb, ok := o.Body.(*replayBody)
		require.True(t, ok)
		assert.Equal(t, int64(4), rb.size)

		data, err := io.ReadAll(rb.reader())
		require.NoError(t, err)
		assert.Equal(t, "data", string(data))
	})

	t.Run("given a string body, then leaves it alone", func(t *testing.T) {
		o := &NormalizedOptions{Body: "data"}
		makeReplayable(o)
		assert.Equal(t, "data", o.Body)
	})
}

func TestProgressReader(t *testing.T) {
	var (
		total int
		last  error
	)
	rd := &progressReader{
		Reader: strings.NewReader("progress"),
		onRead: func(n int, err error) {
			total += n
			last = err
		},
	}

	data, err := io.ReadAll(rd)
	require.NoError(t, err)
	assert.Equal(t, "progress", string(data))
	assert.Equal(t, 8, total)
	assert.ErrorIs(t, last, io.EOF)
}

func TestFormValues(t *testing.T) {
	tests := []struct {
		name    string
		form    any
		want    url.Values
		wantErr bool
	}{
		{
			name: "given url.Values, then returns them as is",
			form: url.Values{"a": {"1", "2"}},
			want: url.Values{"a": {"1", "2"}},
		},
		{
			name: "given a string map, then converts it",
			form: map[string]string{"a": "1"},
			want: url.Values{"a": {"1"}},
		},
		{
			name: "given scalars, then formats them",
			form: map[string]any{"n": 3, "b": true, "f": 1.5, "empty": nil},
			want: url.Values{"n": {"3"}, "b": {"true"}, "f": {"1.5"}, "empty": {""}},
		},
		{
			name:    "given a nested object, then fails",
			form:    map[string]any{"nested": map[string]any{"a": 1}},
			wantErr: true,
		},
		{
			name:    "given a slice, then fails",
			form:    []string{"a"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := formValues(tt.form)
			if tt.wantErr {
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, "The `form` option must be an Object", ve.Message)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
