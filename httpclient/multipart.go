package httpclient

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
)

// FormData is a multipart/form-data payload for Options.Body. Parts are
// encoded in the order they were appended; file parts given by path or
// reader are read when the request body is finalized.
//
//	form := httpclient.NewFormData().
//	    Append("title", "Q4 Report").
//	    AppendFilePath("document", "/path/to/report.pdf")
//
//	resp, err := client.Post(ctx, "https://example.com/upload", &httpclient.Options{Body: form}).Response()
type FormData struct {
	parts []formPart
}

type formPart struct {
	name        string
	filename    string
	contentType string
	value       []byte
	reader      io.Reader
	path        string
}

// NewFormData returns an empty FormData.
func NewFormData() *FormData {
	return &FormData{}
}

// Append adds a plain field.
func (f *FormData) Append(name, value string) *FormData {
	f.parts = append(f.parts, formPart{name: name, value: []byte(value)})
	return f
}

// AppendFile adds an in-memory file part.
func (f *FormData) AppendFile(name, filename string, content []byte) *FormData {
	f.parts = append(f.parts, formPart{name: name, filename: filename, value: content})
	return f
}

// AppendReader adds a file part whose content is read from r.
func (f *FormData) AppendReader(name, filename string, r io.Reader) *FormData {
	f.parts = append(f.parts, formPart{name: name, filename: filename, reader: r})
	return f
}

// AppendFilePath adds a file part read from path. The file is opened when
// the body is finalized.
func (f *FormData) AppendFilePath(name, path string) *FormData {
	f.parts = append(f.parts, formPart{name: name, filename: filepath.Base(path), path: path})
	return f
}

// WithContentType sets the content type of the last appended part.
func (f *FormData) WithContentType(contentType string) *FormData {
	if len(f.parts) > 0 {
		f.parts[len(f.parts)-1].contentType = contentType
	}
	return f
}

// encode renders the payload and returns it with its boundary bearing
// content type.
func (f *FormData) encode() ([]byte, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for _, p := range f.parts {
		if err := p.write(writer); err != nil {
			return nil, "", fmt.Errorf("encode form part %q: %w", p.name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body.Bytes(), writer.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func (p formPart) write(w *multipart.Writer) error {
	if p.filename == "" && p.reader == nil && p.path == "" {
		return w.WriteField(p.name, string(p.value))
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(p.name), quoteEscaper.Replace(p.filename)))
	contentType := p.contentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := w.CreatePart(header)
	if err != nil {
		return err
	}

	switch {
	case p.path != "":
		file, err := os.Open(p.path)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(part, file)
		return err
	case p.reader != nil:
		_, err = io.Copy(part, p.reader)
		return err
	default:
		_, err = part.Write(p.value)
		return err
	}
}
