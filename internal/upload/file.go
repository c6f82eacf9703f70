package upload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// File is a selected local file. Its content type is the declared type
// used for validation, negotiation and the storage PUT.
type File struct {
	Name        string
	Size        int64
	ContentType string
	open        func() (io.ReadCloser, error)
}

// NewFile describes a file whose bytes are produced by open. open is called
// once per transfer attempt.
func NewFile(name string, size int64, contentType string, open func() (io.ReadCloser, error)) File {
	return File{Name: name, Size: size, ContentType: contentType, open: open}
}

// BytesFile wraps an in-memory payload.
func BytesFile(name, contentType string, data []byte) File {
	return NewFile(name, int64(len(data)), contentType, func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
}

// Open returns a reader over the file's bytes.
func (f File) Open() (io.ReadCloser, error) {
	if f.open == nil {
		return nil, errors.New("file has no content")
	}
	return f.open()
}

var extensionTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mov":  "video/quicktime",
	".qt":   "video/quicktime",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
}

// OpenFile describes the file at path. The content type comes from the
// extension, falling back to sniffing the file header.
func OpenFile(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("%s is a directory", path)
	}

	contentType, ok := extensionTypes[strings.ToLower(filepath.Ext(path))]
	if !ok {
		mt, err := mimetype.DetectFile(path)
		if err != nil {
			return File{}, fmt.Errorf("detect content type: %w", err)
		}
		contentType = mt.String()
		if i := strings.IndexByte(contentType, ';'); i >= 0 {
			contentType = contentType[:i]
		}
	}

	return NewFile(filepath.Base(path), info.Size(), contentType, func() (io.ReadCloser, error) {
		return os.Open(path)
	}), nil
}
