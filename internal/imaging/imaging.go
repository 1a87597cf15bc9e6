package imaging

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // Register GIF decoder
	"image/jpeg"
	_ "image/png" // Register PNG decoder
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// DefaultQuality is the JPEG quality used when re-encoding images
const DefaultQuality = 90

// Aspect is a width:height ratio, e.g. 4:3
type Aspect struct {
	W int
	H int
}

// Valid reports whether both sides of the ratio are positive
func (a Aspect) Valid() bool {
	return a.W > 0 && a.H > 0
}

func (a Aspect) String() string {
	return fmt.Sprintf("%d:%d", a.W, a.H)
}

// DetectMIMEType sniffs the MIME type from the file header, falling back to the extension
func DetectMIMEType(data []byte, name string) string {
	if isHEICFormat(data) {
		return "image/heic"
	}

	switch sniffed := http.DetectContentType(data); sniffed {
	case "image/jpeg", "image/png", "image/gif", "application/pdf":
		return sniffed
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// Decode decodes JPEG, PNG, GIF, HEIC/HEIF and the first page of a PDF
func Decode(data []byte, mimeType string) (image.Image, error) {
	mimeType = normalizeMIMEType(mimeType)

	if mimeType == "application/pdf" {
		return pdfToImage(data)
	}

	// Go's standard image package doesn't support HEIC (common on iPhones)
	if isHEICFormat(data) || isHEICMimeType(mimeType) {
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") || strings.Contains(err.Error(), "unsupported") {
			return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF. Error: %w", err)
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// EncodeJPEG encodes an image as JPEG at the given quality (1-100)
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encoding JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

// ToJPEG returns JPEG bytes for the input. JPEG input is returned as-is;
// the boolean reports whether a conversion happened.
func ToJPEG(data []byte, mimeType string, quality int) ([]byte, bool, error) {
	mimeType = normalizeMIMEType(mimeType)
	if mimeType == "" {
		mimeType = DetectMIMEType(data, "")
	}

	if mimeType == "image/jpeg" && !isHEICFormat(data) {
		return data, false, nil
	}

	img, err := Decode(data, mimeType)
	if err != nil {
		return nil, false, fmt.Errorf("converting %s to JPEG: %w", mimeType, err)
	}
	out, err := EncodeJPEG(img, quality)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// CropToAspect returns the largest centred region of img with the given aspect ratio
func CropToAspect(img image.Image, aspect Aspect) image.Image {
	if !aspect.Valid() {
		return img
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return img
	}

	// Compare w/h against aspect.W/aspect.H without floating point
	cropW, cropH := w, h
	if w*aspect.H > h*aspect.W {
		cropW = h * aspect.W / aspect.H
	} else {
		cropH = w * aspect.H / aspect.W
	}
	if cropW == w && cropH == h {
		return img
	}

	x0 := b.Min.X + (w-cropW)/2
	y0 := b.Min.Y + (h-cropH)/2
	rect := image.Rect(x0, y0, x0+cropW, y0+cropH)

	if sub, ok := img.(interface {
		SubImage(r image.Rectangle) image.Image
	}); ok {
		return sub.SubImage(rect)
	}

	dst := image.NewRGBA(image.Rect(0, 0, cropW, cropH))
	for y := 0; y < cropH; y++ {
		for x := 0; x < cropW; x++ {
			dst.Set(x, y, img.At(x0+x, y0+y))
		}
	}
	return dst
}

// pdfToImage renders the first page of a PDF
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

// isHEICFormat checks for an ftyp box with a HEIC-related brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	if string(data[4:8]) == "ftyp" {
		brand := string(data[8:12])
		if brand == "heic" || brand == "heif" || brand == "mif1" || brand == "msf1" {
			return true
		}
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

func normalizeMIMEType(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	return mimeType
}
