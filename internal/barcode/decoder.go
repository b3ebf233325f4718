package barcode

import (
	"errors"
	"fmt"
	"image"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/oned"
	"github.com/makiuchi-d/gozxing/qrcode"
	"golang.org/x/image/draw"
)

// ErrNoCode means no symbol was found in the frame; it is not a failure
var ErrNoCode = errors.New("no barcode found")

// Symbol is a decoded barcode
type Symbol struct {
	Text   string `json:"text"`
	Format string `json:"format"`
}

// Decoder decodes retail barcodes from still frames.
// A Decoder is not safe for concurrent use; each scan loop owns one.
type Decoder struct {
	readers []gozxing.Reader
	hints   map[gozxing.DecodeHintType]interface{}
}

// NewDecoder creates a Decoder for the product barcode formats
func NewDecoder() *Decoder {
	return &Decoder{
		readers: []gozxing.Reader{
			// Packaged food is almost always EAN/UPC, so try those first
			oned.NewEAN13Reader(),
			oned.NewUPCAReader(),
			oned.NewEAN8Reader(),
			oned.NewUPCEReader(),
			oned.NewCode128Reader(),
			oned.NewCode39Reader(),
			oned.NewITFReader(),
			qrcode.NewQRCodeReader(),
		},
		hints: map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_POSSIBLE_FORMATS: []gozxing.BarcodeFormat{
				gozxing.BarcodeFormat_EAN_13,
				gozxing.BarcodeFormat_UPC_A,
				gozxing.BarcodeFormat_EAN_8,
				gozxing.BarcodeFormat_UPC_E,
				gozxing.BarcodeFormat_CODE_128,
				gozxing.BarcodeFormat_CODE_39,
				gozxing.BarcodeFormat_ITF,
				gozxing.BarcodeFormat_QR_CODE,
			},
			gozxing.DecodeHintType_TRY_HARDER: true,
		},
	}
}

// Decode looks for a barcode in img
func (d *Decoder) Decode(img image.Image) (Symbol, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return Symbol{}, fmt.Errorf("binarizing frame: %w", err)
	}

	for _, reader := range d.readers {
		result, err := reader.Decode(bmp, d.hints)
		reader.Reset()
		if err != nil || result == nil {
			continue
		}
		return Symbol{Text: result.GetText(), Format: result.GetBarcodeFormat().String()}, nil
	}
	return Symbol{}, ErrNoCode
}

// RegionFor sizes the scan box for a viewfinder of width x height: 90% of the
// shorter edge, clamped so wide barcodes fit and small viewports still get a
// usable target.
func RegionFor(width, height int) (int, int) {
	minEdge := min(width, height)
	size := minEdge * 9 / 10

	w := clamp(size, min(160, minEdge), 350)
	h := size * 2 / 3
	if size > 200 {
		h = 200
	}
	h = clamp(h, min(100, minEdge), 200)
	return w, h
}

// crop copies the centered region of img sized by regionSize
func crop(img image.Image, regionSize func(w, h int) (int, int)) image.Image {
	b := img.Bounds()
	w, h := regionSize(b.Dx(), b.Dy())
	w, h = min(w, b.Dx()), min(h, b.Dy())
	if w <= 0 || h <= 0 || (w == b.Dx() && h == b.Dy()) {
		return img
	}

	x0 := b.Min.X + (b.Dx()-w)/2
	y0 := b.Min.Y + (b.Dy()-h)/2
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Copy(dst, image.Point{}, img, image.Rect(x0, y0, x0+w, y0+h), draw.Src, nil)
	return dst
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
