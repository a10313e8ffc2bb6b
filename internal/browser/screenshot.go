package browser

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	"github.com/playwright-community/playwright-go"
)

// ScreenshotOptions control capture encoding. Captures are always JPEG.
type ScreenshotOptions struct {
	Quality  int
	FullPage bool
	// MaxWidth downscales wider captures, keeping the aspect ratio. Zero keeps the size.
	MaxWidth uint
}

func (c *controller) Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = 50
	}
	data, err := c.page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(opts.FullPage),
		Type:     playwright.ScreenshotTypeJpeg,
		Quality:  playwright.Int(quality),
	})
	if err != nil {
		return nil, wrap(err)
	}
	if opts.MaxWidth == 0 {
		return data, nil
	}
	return Downscale(data, opts.MaxWidth, quality)
}

// Downscale re-encodes an image as JPEG no wider than maxWidth. Images that
// already fit are returned untouched.
func Downscale(data []byte, maxWidth uint, quality int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	if uint(img.Bounds().Dx()) <= maxWidth {
		return data, nil
	}
	scaled := resize.Resize(maxWidth, 0, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode screenshot: %w", err)
	}
	return buf.Bytes(), nil
}
