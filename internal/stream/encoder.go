package stream

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/mgrandau/telescope-mcp/internal/device"
)

// ImageEncoder turns display frames into JPEG bytes and draws text labels
// onto buffers. Injected so tests run without producing real images.
type ImageEncoder interface {
	EncodeJPEG(img image.Image, quality int) ([]byte, error)
	PutText(img draw.Image, text string, x, y int, c color.Color)
}

// StdEncoder encodes with image/jpeg and labels with the fixed-width
// basicfont face.
type StdEncoder struct{}

func (StdEncoder) EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %v: %w", err, device.ErrInternal)
	}
	return buf.Bytes(), nil
}

func (StdEncoder) PutText(img draw.Image, text string, x, y int, c color.Color) {
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}
