// Package photo turns a selected image file into a base64 asset that can be
// embedded in a JSON submission.
package photo

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/image/webp"
)

const defaultMaxBytes = 10 << 20 // 10MB

var (
	ErrUnreadable = errors.New("photo could not be read")
	ErrEmpty      = errors.New("photo file is empty")
	ErrNotImage   = errors.New("photo must be a png, jpeg, gif or webp image")
	ErrTooLarge   = errors.New("photo exceeds the size limit")
)

var allowedMIMETypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// File is the file-read primitive: a named source of bytes.
type File interface {
	Name() string
	Open() (io.ReadCloser, error)
}

// Asset is an encoded photo ready for transmission.
type Asset struct {
	FileName    string `json:"file_name"`
	MIMEType    string `json:"mime_type"`
	EncodedData string `json:"-"`
	SizeBytes   int64  `json:"size_bytes"`
}

// Encoder holds the asset produced by the most recent Encode call.
type Encoder struct {
	maxBytes int64
	logger   *slog.Logger

	mu         sync.Mutex
	gen        uint64
	current    *Asset
	currentGen uint64 // generation of the Encode that produced current
}

// NewEncoder creates an Encoder. If maxBytes is <= 0, it defaults to 10MB.
func NewEncoder(maxBytes int64) *Encoder {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Encoder{maxBytes: maxBytes, logger: slog.Default()}
}

// Encode reads and encodes f. The result replaces the held asset only if no
// newer Encode or Clear started while this one was in flight.
func (e *Encoder) Encode(ctx context.Context, f File) (Asset, error) {
	e.mu.Lock()
	e.gen++
	gen := e.gen
	e.mu.Unlock()

	asset, err := e.encode(ctx, f)

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		e.logger.Debug("discarding superseded photo encode", "file", f.Name())
		return asset, err
	}
	if err != nil {
		e.current = nil
		return Asset{}, err
	}
	e.current = &asset
	e.currentGen = gen
	return asset, nil
}

func (e *Encoder) encode(ctx context.Context, f File) (Asset, error) {
	rc, err := f.Open()
	if err != nil {
		return Asset{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, e.maxBytes+1))
	if err != nil {
		return Asset{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if err := ctx.Err(); err != nil {
		return Asset{}, err
	}
	if len(data) == 0 {
		return Asset{}, ErrEmpty
	}
	if int64(len(data)) > e.maxBytes {
		return Asset{}, fmt.Errorf("%w (%d bytes)", ErrTooLarge, e.maxBytes)
	}

	mime, err := detectImage(data)
	if err != nil {
		return Asset{}, err
	}

	return Asset{
		FileName:    filepath.Base(f.Name()),
		MIMEType:    mime,
		EncodedData: base64.StdEncoding.EncodeToString(data),
		SizeBytes:   int64(len(data)),
	}, nil
}

// detectImage sniffs the content type and confirms the header decodes.
func detectImage(data []byte) (string, error) {
	mime := http.DetectContentType(data)
	if !allowedMIMETypes[mime] {
		return "", fmt.Errorf("%w: detected %s", ErrNotImage, mime)
	}
	if mime == "image/webp" {
		if _, err := webp.DecodeConfig(bytes.NewReader(data)); err != nil {
			return "", fmt.Errorf("%w: %v", ErrNotImage, err)
		}
		return mime, nil
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	return mime, nil
}

// Current returns the held asset, if any.
func (e *Encoder) Current() (Asset, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return Asset{}, false
	}
	return *e.current, true
}

// Held returns the held asset together with the generation that produced it,
// for a later ClearIf.
func (e *Encoder) Held() (Asset, uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return Asset{}, 0, false
	}
	return *e.current, e.currentGen, true
}

// ClearIf drops the held asset only if it is still the one generation gen
// produced. A photo attached since then, or an Encode still in flight, is
// left alone. It reports whether the asset was dropped.
func (e *Encoder) ClearIf(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil || e.currentGen != gen {
		return false
	}
	e.current = nil
	return true
}

// Clear drops the held asset and supersedes any in-flight Encode.
func (e *Encoder) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen++
	e.current = nil
}

// FileOnDisk adapts a filesystem path to File.
type FileOnDisk string

func (p FileOnDisk) Name() string { return string(p) }

func (p FileOnDisk) Open() (io.ReadCloser, error) { return os.Open(string(p)) }
