// Package imaging downloads link-card thumbnails and shrinks them to fit the
// posting service's blob limits.
package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif" // GIF decoder registration.
	"image/jpeg"
	_ "image/png" // PNG decoder registration.
	"io"
	"net/http"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // WebP decoder registration.

	"skyfeed/internal/model"
)

// Limits of a Bluesky external embed thumbnail.
const (
	MaxWidth    = 960
	MaxHeight   = 540
	MaxBlobSize = 1_000_000

	// MaxPixels caps the declared size of a source image. A small compressed
	// file can declare dimensions whose decoded buffer would exhaust memory.
	MaxPixels = 40_000_000

	maxDownload = 10 * 1024 * 1024
)

var qualitySteps = []int{85, 75, 60, 45, 30}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Loader fetches remote images and prepares them for upload.
type Loader struct {
	client HTTPClient
}

// NewLoader creates a Loader with the given HTTP client.
func NewLoader(client HTTPClient) *Loader {
	return &Loader{client: client}
}

// Load downloads the image at url and returns it resized and JPEG encoded.
func (l *Loader) Load(ctx context.Context, url string) (*model.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownload+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxDownload {
		return nil, fmt.Errorf("image exceeds %d bytes", maxDownload)
	}
	return Prepare(data)
}

// Prepare decodes data, scales it down to fit MaxWidth x MaxHeight while
// keeping the aspect ratio, and re-encodes it as JPEG no larger than
// MaxBlobSize. Images are never upscaled.
func Prepare(data []byte) (*model.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image data")
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("image %dx%d exceeds %d pixels", cfg.Width, cfg.Height, MaxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	resized := fit(img, MaxWidth, MaxHeight)

	for _, q := range qualitySteps {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: q}); err != nil {
			return nil, fmt.Errorf("encode JPEG: %w", err)
		}
		if buf.Len() <= MaxBlobSize {
			return &model.Image{Data: buf.Bytes(), MIMEType: "image/jpeg"}, nil
		}
	}
	return nil, fmt.Errorf("encoded image exceeds %d bytes", MaxBlobSize)
}

func fit(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxW && h <= maxH {
		return img
	}

	newW, newH := maxW, h*maxW/w
	if newH > maxH {
		newW, newH = w*maxH/h, maxH
	}
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
