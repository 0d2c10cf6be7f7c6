package httpclient

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResponse(status int, contentType, body string) *Response {
	header := http.Header{}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	return &Response{Response: &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}}
}

func TestResponse_StatusHelpers(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		wantSuccess bool
		wantError   bool
	}{
		{name: "given 200, then success", status: http.StatusOK, wantSuccess: true},
		{name: "given 204, then success", status: http.StatusNoContent, wantSuccess: true},
		{name: "given 304, then neither", status: http.StatusNotModified},
		{name: "given 404, then error", status: http.StatusNotFound, wantError: true},
		{name: "given 503, then error", status: http.StatusServiceUnavailable, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := newTestResponse(tt.status, "", "")
			assert.Equal(t, tt.wantSuccess, resp.IsSuccess())
			assert.Equal(t, tt.wantError, resp.IsError())
		})
	}
}

func TestResponse_Body(t *testing.T) {
	resp := newTestResponse(http.StatusOK, "", "payload")
	assert.Nil(t, resp.RawBody())

	body, err := resp.Body()
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	again, err := resp.String()
	require.NoError(t, err)
	assert.Equal(t, "payload", again)
	assert.Equal(t, "payload", string(resp.RawBody()))
}

func TestResponse_BodyReadError(t *testing.T) {
	errRead := errors.New("read failed")
	resp := &Response{Response: &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(io.MultiReader(strings.NewReader("par"), iotestErrReader{errRead})),
	}}

	_, err := resp.Body()
	assert.ErrorIs(t, err, errRead)
}

type iotestErrReader struct{ err error }

func (r iotestErrReader) Read([]byte) (int, error) { return 0, r.err }

func TestResponse_Decode(t *testing.T) {
	type user struct {
		ID   int    `json:"id" xml:"id"`
		Name string `json:"name" xml:"name"`
	}

	tests := []struct {
		name        string
		contentType string
		body        string
		want        user
		wantErr     bool
	}{
		{
			name:        "given json, then decodes json",
			contentType: "application/json",
			body:        `{"id":1,"name":"Ada"}`,
			want:        user{ID: 1, Name: "Ada"},
		},
		{
			name:        "given xml, then decodes xml",
			contentType: "application/xml; charset=utf-8",
			body:        `<user><id>2</id><name>Grace</name></user>`,
			want:        user{ID: 2, Name: "Grace"},
		},
		{
			name:        "given no content type, then assumes json",
			contentType: "",
			body:        `{"id":3}`,
			want:        user{ID: 3},
		},
		{
			name:        "given malformed json, then fails",
			contentType: "application/json",
			body:        `{"id":`,
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got user
			err := newTestResponse(http.StatusOK, tt.contentType, tt.body).Decode(&got)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsOK(t *testing.T) {
	assert.True(t, isOK(http.StatusOK, true))
	assert.True(t, isOK(http.StatusNotModified, true))
	assert.False(t, isOK(http.StatusFound, true))
	assert.True(t, isOK(http.StatusFound, false))
	assert.False(t, isOK(http.StatusBadRequest, false))
}

func TestParseBody(t *testing.T) {
	tests := []struct {
		name         string
		body         []byte
		responseType ResponseType
		encoding     string
		want         any
		wantErr      bool
	}{
		{name: "given json, then parses it", body: []byte(`{"a":[1,2]}`), responseType: ResponseTypeJSON,
			want: map[string]any{"a": []any{float64(1), float64(2)}}},
		{name: "given an empty json body, then an empty string", body: nil, responseType: ResponseTypeJSON, want: ""},
		{name: "given invalid json, then fails", body: []byte("nope"), responseType: ResponseTypeJSON, wantErr: true},
		{name: "given buffer, then raw bytes", body: []byte{0xff, 0x00}, responseType: ResponseTypeBuffer,
			want: []byte{0xff, 0x00}},
		{name: "given text, then a string", body: []byte("héllo"), responseType: ResponseTypeText, want: "héllo"},
		{name: "given latin1 text, then decodes it", body: []byte{0x68, 0xe9}, responseType: ResponseTypeText,
			encoding: "latin1", want: "hé"},
		{name: "given base64 text, then encodes it", body: []byte("hi"), responseType: ResponseTypeText,
			encoding: "base64", want: "aGk="},
		{name: "given hex text, then encodes it", body: []byte("hi"), responseType: ResponseTypeText,
			encoding: "hex", want: "6869"},
		{name: "given an unknown response type, then fails", body: []byte("x"), responseType: "yaml", wantErr: true},
		{name: "given an unknown encoding, then fails", body: []byte("x"), responseType: ResponseTypeText,
			encoding: "ebcdic", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseBody(tt.body, tt.responseType, tt.encoding)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
