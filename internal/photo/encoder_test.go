package photo

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type memFile struct {
	name    string
	data    []byte
	openErr error
	readErr error
	gate    chan struct{}
}

func (m *memFile) Name() string { return m.name }

func (m *memFile) Open() (io.ReadCloser, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	if m.gate != nil {
		<-m.gate
	}
	if m.readErr != nil {
		return io.NopCloser(&failingReader{err: m.readErr}), nil
	}
	return io.NopCloser(bytes.NewReader(m.data)), nil
}

type failingReader struct{ err error }

func (f *failingReader) Read([]byte) (int, error) { return 0, f.err }

func pngBytes(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: shade, G: 10, B: 20, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestEncode_PNG(t *testing.T) {
	data := pngBytes(t, 200)
	enc := NewEncoder(0)

	asset, err := enc.Encode(context.Background(), &memFile{name: "/tmp/shop.png", data: data})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if asset.MIMEType != "image/png" {
		t.Errorf("MIMEType = %q, want image/png", asset.MIMEType)
	}
	if asset.FileName != "shop.png" {
		t.Errorf("FileName = %q, want shop.png", asset.FileName)
	}
	if asset.SizeBytes != int64(len(data)) {
		t.Errorf("SizeBytes = %d, want %d", asset.SizeBytes, len(data))
	}
	decoded, err := base64.StdEncoding.DecodeString(asset.EncodedData)
	if err != nil {
		t.Fatalf("EncodedData is not base64: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Error("decoded data differs from input")
	}

	cur, ok := enc.Current()
	if !ok || cur.EncodedData != asset.EncodedData {
		t.Error("Current() does not hold the encoded asset")
	}
}

func TestEncode_Deterministic(t *testing.T) {
	data := pngBytes(t, 42)
	enc := NewEncoder(0)

	a, err := enc.Encode(context.Background(), &memFile{name: "a.png", data: data})
	if err != nil {
		t.Fatal(err)
	}
	b, err := enc.Encode(context.Background(), &memFile{name: "a.png", data: data})
	if err != nil {
		t.Fatal(err)
	}
	if a.EncodedData != b.EncodedData {
		t.Error("same content produced different encodings")
	}
}

func TestEncode_Errors(t *testing.T) {
	tests := []struct {
		name string
		file *memFile
		max  int64
		want error
	}{
		{"empty", &memFile{name: "e.png"}, 0, ErrEmpty},
		{"text file", &memFile{name: "notes.txt", data: []byte("hello there, not a photo")}, 0, ErrNotImage},
		{"truncated png", &memFile{name: "t.png", data: []byte("\x89PNG\r\n\x1a\n\x00\x00")}, 0, ErrNotImage},
		{"broken webp", &memFile{name: "w.webp", data: []byte("RIFF\x00\x00\x00\x00WEBPVP8 garbage")}, 0, ErrNotImage},
		{"open fails", &memFile{name: "x.png", openErr: os.ErrPermission}, 0, ErrUnreadable},
		{"read fails", &memFile{name: "x.png", readErr: io.ErrUnexpectedEOF}, 0, ErrUnreadable},
		{"too large", &memFile{name: "big.png", data: bytes.Repeat([]byte{0x89}, 64)}, 16, ErrTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := NewEncoder(tt.max)
			_, err := enc.Encode(context.Background(), tt.file)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if _, ok := enc.Current(); ok {
				t.Error("failed encode left an asset behind")
			}
		})
	}
}

func TestEncode_LastWriteWins(t *testing.T) {
	enc := NewEncoder(0)
	slow := &memFile{name: "first.png", data: pngBytes(t, 1), gate: make(chan struct{})}
	fast := &memFile{name: "second.png", data: pngBytes(t, 2)}

	firstDone := make(chan error, 1)
	go func() {
		_, err := enc.Encode(context.Background(), slow)
		firstDone <- err
	}()

	// Let the first call claim its generation before the second starts.
	waitGen(t, enc, 1)

	if _, err := enc.Encode(context.Background(), fast); err != nil {
		t.Fatalf("second Encode: %v", err)
	}
	close(slow.gate)
	if err := <-firstDone; err != nil {
		t.Fatalf("first Encode: %v", err)
	}

	cur, ok := enc.Current()
	if !ok {
		t.Fatal("no current asset")
	}
	if cur.FileName != "second.png" {
		t.Errorf("current = %q, want second.png", cur.FileName)
	}
}

func waitGen(t *testing.T, enc *Encoder, want uint64) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		enc.mu.Lock()
		g := enc.gen
		enc.mu.Unlock()
		if g >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("encoder never reached generation %d", want)
}

func TestClear(t *testing.T) {
	enc := NewEncoder(0)
	if _, err := enc.Encode(context.Background(), &memFile{name: "a.png", data: pngBytes(t, 9)}); err != nil {
		t.Fatal(err)
	}
	enc.Clear()
	if _, ok := enc.Current(); ok {
		t.Error("Current() after Clear returned an asset")
	}
}

func TestClearIf(t *testing.T) {
	ctx := context.Background()
	enc := NewEncoder(0)
	if _, err := enc.Encode(ctx, &memFile{name: "a.png", data: pngBytes(t, 1)}); err != nil {
		t.Fatal(err)
	}
	sent, gen, ok := enc.Held()
	if !ok || sent.FileName != "a.png" {
		t.Fatalf("Held() = %+v, %v", sent, ok)
	}

	// A newer photo replaces the one that was read.
	if _, err := enc.Encode(ctx, &memFile{name: "b.png", data: pngBytes(t, 2)}); err != nil {
		t.Fatal(err)
	}
	if enc.ClearIf(gen) {
		t.Error("ClearIf dropped a photo attached after the read")
	}
	if cur, ok := enc.Current(); !ok || cur.FileName != "b.png" {
		t.Errorf("Current() = %+v, %v, want b.png", cur, ok)
	}

	_, gen, _ = enc.Held()
	if !enc.ClearIf(gen) {
		t.Error("ClearIf did not drop the unchanged photo")
	}
	if _, ok := enc.Current(); ok {
		t.Error("photo still held after ClearIf")
	}
}

func TestFileOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storefront.png")
	if err := os.WriteFile(path, pngBytes(t, 77), 0o644); err != nil {
		t.Fatal(err)
	}

	asset, err := NewEncoder(0).Encode(context.Background(), FileOnDisk(path))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if asset.FileName != "storefront.png" {
		t.Errorf("FileName = %q", asset.FileName)
	}

	_, err = NewEncoder(0).Encode(context.Background(), FileOnDisk(filepath.Join(t.TempDir(), "missing.png")))
	if !errors.Is(err, ErrUnreadable) {
		t.Errorf("err = %v, want ErrUnreadable", err)
	}
}
