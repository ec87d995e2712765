package imaging

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func decodedSize(t *testing.T, data []byte) (int, int) {
	t.Helper()
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode jpeg: %v", err)
	}
	return img.Bounds().Dx(), img.Bounds().Dy()
}

func TestPrepare(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		wantW, wantH int
	}{
		{name: "wide image scaled by width", w: 1920, h: 1080, wantW: 960, wantH: 540},
		{name: "tall image scaled by height", w: 600, h: 1200, wantW: 270, wantH: 540},
		{name: "small image kept", w: 320, h: 200, wantW: 320, wantH: 200},
		{name: "very wide image", w: 2000, h: 100, wantW: 960, wantH: 48},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := Prepare(encodePNG(t, tt.w, tt.h))
			if err != nil {
				t.Fatalf("prepare: %v", err)
			}
			if diff := cmp.Diff("image/jpeg", img.MIMEType); diff != "" {
				t.Errorf("mime mismatch (-want +got):\n%s", diff)
			}
			if len(img.Data) > MaxBlobSize {
				t.Errorf("encoded image too large: %d", len(img.Data))
			}
			gotW, gotH := decodedSize(t, img.Data)
			if diff := cmp.Diff([2]int{tt.wantW, tt.wantH}, [2]int{gotW, gotH}); diff != "" {
				t.Errorf("size mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPrepareInvalid(t *testing.T) {
	for name, data := range map[string][]byte{
		"empty":   nil,
		"garbage": []byte("definitely not an image"),
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Prepare(data); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

// pngHeader returns the signature and IHDR chunk of a grayscale PNG that
// declares w x h pixels. It carries no image data.
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 17)
	copy(ihdr, "IHDR")
	binary.BigEndian.PutUint32(ihdr[4:], w)
	binary.BigEndian.PutUint32(ihdr[8:], h)
	ihdr[12] = 8 // bit depth; color type, compression, filter and interlace stay 0

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	_ = binary.Write(&buf, binary.BigEndian, uint32(13))
	buf.Write(ihdr)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(ihdr))
	return buf.Bytes()
}

func TestPrepareRejectsHugeDimensions(t *testing.T) {
	_, err := Prepare(pngHeader(50_000, 50_000))
	if err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("expected pixel limit error, got %v", err)
	}
}

type mockHTTP struct {
	status int
	body   []byte
}

func (m *mockHTTP) Do(_ *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: m.status,
		Body:       io.NopCloser(bytes.NewReader(m.body)),
	}, nil
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	img, err := NewLoader(&mockHTTP{status: 200, body: encodePNG(t, 100, 50)}).Load(ctx, "https://example.com/a.png")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	gotW, gotH := decodedSize(t, img.Data)
	if diff := cmp.Diff([2]int{100, 50}, [2]int{gotW, gotH}); diff != "" {
		t.Errorf("size mismatch (-want +got):\n%s", diff)
	}

	if _, err := NewLoader(&mockHTTP{status: 404}).Load(ctx, "https://example.com/missing.png"); err == nil {
		t.Fatal("expected error for 404")
	}
}
