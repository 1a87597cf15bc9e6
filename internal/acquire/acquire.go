package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zombor/leafscan/internal/imaging"
)

// ErrCancelled is returned when the user dismisses the camera or picker.
// It is a normal outcome, not a failure.
var ErrCancelled = errors.New("acquisition cancelled")

// Source selects where the image comes from
type Source int

const (
	SourceCamera Source = iota + 1
	SourceGallery
)

func (s Source) String() string {
	switch s {
	case SourceCamera:
		return "camera"
	case SourceGallery:
		return "gallery"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// ParseSource parses "camera" or "gallery"
func ParseSource(s string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "camera":
		return SourceCamera, nil
	case "gallery":
		return SourceGallery, nil
	default:
		return 0, fmt.Errorf("unknown image source %q (want camera or gallery)", s)
	}
}

// Options controls acquisition. Aspect only applies to the camera.
type Options struct {
	AllowsEditing bool
	Aspect        imaging.Aspect
	Quality       int
}

// CameraOptions returns the defaults used for camera captures (editable, 4:3)
func CameraOptions() Options {
	return Options{
		AllowsEditing: true,
		Aspect:        imaging.Aspect{W: 4, H: 3},
		Quality:       imaging.DefaultQuality,
	}
}

// GalleryOptions returns the defaults used for gallery picks
func GalleryOptions() Options {
	return Options{
		AllowsEditing: true,
		Quality:       imaging.DefaultQuality,
	}
}

// ImageHandle points at an acquired image on the local device
type ImageHandle struct {
	LocalURI  string `json:"local_uri"`
	MIMEType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	// Temporary is set when the file was created by the acquirer and belongs to the caller
	Temporary bool `json:"temporary,omitempty"`
}

// Path returns the filesystem path behind LocalURI
func (h ImageHandle) Path() string {
	return strings.TrimPrefix(h.LocalURI, "file://")
}

// Release deletes a temporary file. User-owned files are never touched.
func (h *ImageHandle) Release() error {
	if h == nil || !h.Temporary {
		return nil
	}
	if err := os.Remove(h.Path()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting capture: %w", err)
	}
	return nil
}

// Acquirer defines the interface for obtaining an image from the user
type Acquirer interface {
	// AcquireFromCamera captures a new photo. Returns ErrCancelled if the user backs out.
	AcquireFromCamera(ctx context.Context, opts Options) (*ImageHandle, error)
	// AcquireFromGallery lets the user pick an existing image. Returns ErrCancelled if the user backs out.
	AcquireFromGallery(ctx context.Context, opts Options) (*ImageHandle, error)
}

// Capturer writes a photo to dest
type Capturer interface {
	Capture(ctx context.Context, dest string) error
}

// Picker returns the path of an existing image, or "" when the user cancels
type Picker interface {
	Pick(ctx context.Context) (string, error)
}

// Device implements Acquirer with a camera and a gallery picker
type Device struct {
	camera  Capturer
	gallery Picker
	tempDir string
}

// NewDevice creates a Device. Camera captures are written under tempDir.
func NewDevice(camera Capturer, gallery Picker, tempDir string) (*Device, error) {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("creating capture directory: %w", err)
	}
	return &Device{
		camera:  camera,
		gallery: gallery,
		tempDir: tempDir,
	}, nil
}

// AcquireFromCamera implements Acquirer
func (d *Device) AcquireFromCamera(ctx context.Context, opts Options) (*ImageHandle, error) {
	if d.camera == nil {
		return nil, fmt.Errorf("no camera configured")
	}

	dest := filepath.Join(d.tempDir, fmt.Sprintf("capture_%d.jpg", time.Now().UnixNano()))
	if err := d.camera.Capture(ctx, dest); err != nil {
		os.Remove(dest)
		return nil, err
	}

	info, err := os.Stat(dest)
	if err != nil || info.Size() == 0 {
		// Nothing was written: the user closed the camera without taking a photo
		os.Remove(dest)
		return nil, ErrCancelled
	}

	if opts.AllowsEditing && opts.Aspect.Valid() {
		if err := cropFile(dest, opts); err != nil {
			os.Remove(dest)
			return nil, err
		}
	}

	handle, err := handleFor(dest)
	if err != nil {
		os.Remove(dest)
		return nil, err
	}
	handle.Temporary = true
	return handle, nil
}

// AcquireFromGallery implements Acquirer
func (d *Device) AcquireFromGallery(ctx context.Context, opts Options) (*ImageHandle, error) {
	if d.gallery == nil {
		return nil, fmt.Errorf("no gallery configured")
	}

	path, err := d.gallery.Pick(ctx)
	if err != nil {
		return nil, err
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrCancelled
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("opening gallery image: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("gallery selection is a directory: %s", path)
	}

	return handleFor(path)
}

// cropFile centre-crops the captured image to the requested aspect in place
func cropFile(path string, opts Options) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading capture: %w", err)
	}

	img, err := imaging.Decode(data, imaging.DetectMIMEType(data, path))
	if err != nil {
		return fmt.Errorf("decoding capture: %w", err)
	}

	out, err := imaging.EncodeJPEG(imaging.CropToAspect(img, opts.Aspect), opts.Quality)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("writing cropped capture: %w", err)
	}
	return nil
}

func handleFor(path string) (*ImageHandle, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving image path: %w", err)
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	defer f.Close()

	header := make([]byte, 512)
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading image header: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("reading image size: %w", err)
	}

	return &ImageHandle{
		LocalURI:  "file://" + abs,
		MIMEType:  imaging.DetectMIMEType(header[:n], abs),
		SizeBytes: info.Size(),
	}, nil
}
