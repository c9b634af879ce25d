package storage

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/jo-hoe/bulkingest/internal/common"
)

var (
	ErrNoFile          = errors.New("no file provided")
	ErrUnsupportedType = errors.New("unsupported content type")
	ErrTooLarge        = errors.New("upload exceeds size limit")
)

var allowedCSVMimes = map[string]struct{}{
	common.MimeTextCSV:        {},
	common.MimeApplicationCSV: {},
	common.MimeExcelCSV:       {},
	common.MimeTextPlain:      {},
}

// Uploader checks CSV uploads before their bytes are handed to ingestion.
type Uploader struct {
	maxBytes int64
}

// NewUploader creates an uploader that refuses payloads above maxBytes.
// A non-positive limit disables the check.
func NewUploader(maxBytes int64) *Uploader {
	return &Uploader{maxBytes: maxBytes}
}

// OpenMultipartCSV validates an uploaded form file and opens it. The returned
// reader fails with ErrTooLarge if the part turns out to be longer than its
// declared size allowed. The caller must close it.
func (u *Uploader) OpenMultipartCSV(fileHeader *multipart.FileHeader) (io.ReadCloser, error) {
	if fileHeader == nil {
		return nil, ErrNoFile
	}
	mimeType := fileHeader.Header.Get("Content-Type")
	// Some clients send application/octet-stream; fall back to the extension.
	if mimeType == "" || strings.EqualFold(strings.TrimSpace(mimeType), "application/octet-stream") {
		mimeType = mime.TypeByExtension(strings.ToLower(filepath.Ext(fileHeader.Filename)))
	}
	if !isCSV(mimeType, fileHeader.Filename) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, mimeType)
	}
	if err := u.checkSize(fileHeader.Size); err != nil {
		return nil, err
	}

	src, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("open uploaded file: %w", err)
	}
	return u.limit(src), nil
}

// OpenCSVFile opens a CSV file from disk with the same checks as an upload.
func (u *Uploader) OpenCSVFile(path string) (io.ReadCloser, error) {
	if !strings.EqualFold(filepath.Ext(path), common.ExtCSV) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, filepath.Base(path))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat csv: %w", err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("open csv: %s is a directory", path)
	}
	if err := u.checkSize(info.Size()); err != nil {
		_ = f.Close()
		return nil, err
	}
	return u.limit(f), nil
}

func (u *Uploader) checkSize(size int64) error {
	if u.maxBytes > 0 && size > u.maxBytes {
		return fmt.Errorf("%w: %s > %s", ErrTooLarge,
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(u.maxBytes)))
	}
	return nil
}

func (u *Uploader) limit(rc io.ReadCloser) io.ReadCloser {
	if u.maxBytes <= 0 {
		return rc
	}
	return &limitedReadCloser{rc: rc, remaining: u.maxBytes}
}

// limitedReadCloser errors instead of silently truncating like io.LimitReader.
type limitedReadCloser struct {
	rc        io.ReadCloser
	remaining int64
}

func (l *limitedReadCloser) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, ErrTooLarge
	}
	// Read one byte past the limit to detect overflow.
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.rc.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n + int(l.remaining), ErrTooLarge
	}
	return n, err
}

func (l *limitedReadCloser) Close() error {
	return l.rc.Close()
}

func isCSV(mimeType, filename string) bool {
	if strings.EqualFold(filepath.Ext(filename), common.ExtCSV) {
		return true
	}
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return false
	}
	_, ok := allowedCSVMimes[strings.ToLower(mt)]
	return ok
}
