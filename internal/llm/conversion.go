package llm

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"golang.org/x/image/draw"

	"github.com/adhamqabban37/TruthByte/internal/camera"
)

// maxImageEdge bounds the longest edge sent to a model; phone photos are far
// larger than a label needs
const maxImageEdge = 2048

// pdfToImage renders the first page of a PDF product sheet
func pdfToImage(pdfData []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

// prepareImageData converts any supported upload (JPEG, PNG, GIF, WebP, HEIC,
// PDF) into a bounded PNG. Small PNGs pass through untouched.
func prepareImageData(imageData []byte, contentType string) ([]byte, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	var (
		img image.Image
		err error
	)
	switch {
	case mimeType == "application/pdf":
		img, err = pdfToImage(imageData)
	case mimeType == "image/png":
		// HEIC bytes mislabeled as PNG fail DecodeConfig and fall through to DecodeFrame
		cfg, cfgErr := png.DecodeConfig(bytes.NewReader(imageData))
		if cfgErr == nil && max(cfg.Width, cfg.Height) <= maxImageEdge {
			return imageData, nil
		}
		img, err = camera.DecodeFrame(imageData)
	default:
		img, err = camera.DecodeFrame(imageData)
	}
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") {
			return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, WebP, HEIC, HEIF, PDF. Error: %w", err)
		}
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, shrink(img, maxImageEdge)); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// shrink scales img so its longest edge is at most edge
func shrink(img image.Image, edge int) image.Image {
	b := img.Bounds()
	longest := max(b.Dx(), b.Dy())
	if longest <= edge {
		return img
	}
	w, h := b.Dx()*edge/longest, b.Dy()*edge/longest
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
