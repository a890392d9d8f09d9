package utils

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/MeKo-Tech/markscan/internal/engine"
	"github.com/disintegration/imaging"
)

// ImageProcessingError represents errors that can occur during image processing.
type ImageProcessingError struct {
	Operation string
	Err       error
}

func (e *ImageProcessingError) Error() string {
	return fmt.Sprintf("image processing error in %s: %v", e.Operation, e.Err)
}

func (e *ImageProcessingError) Unwrap() error { return e.Err }

// Frame guide proportions of the camera scanner.
const (
	FrameWidthRatio  = 0.9
	FrameHeightRatio = 0.8
)

// DefaultJPEGQuality is used when a prepared image is re-encoded.
const DefaultJPEGQuality = 95

// PrepareOptions controls image preparation before extraction.
type PrepareOptions struct {
	AutoOrient   bool // apply EXIF orientation
	FrameCrop    bool // keep only the centered frame guide area
	MaxDimension int  // downscale so neither side exceeds this; 0 disables
	JPEGQuality  int
}

// DefaultPrepareOptions returns options that auto-orient and cap the size.
func DefaultPrepareOptions() PrepareOptions {
	return PrepareOptions{
		AutoOrient:   true,
		MaxDimension: 2048,
		JPEGQuality:  DefaultJPEGQuality,
	}
}

// Changes reports whether opts can alter an image at all.
func (o PrepareOptions) Changes() bool {
	return o.AutoOrient || o.FrameCrop || o.MaxDimension > 0
}

// FrameRect returns the centered frame guide rectangle for the given bounds.
func FrameRect(bounds image.Rectangle) image.Rectangle {
	w := int(math.Round(float64(bounds.Dx()) * FrameWidthRatio))
	h := int(math.Round(float64(bounds.Dy()) * FrameHeightRatio))
	x := bounds.Min.X + (bounds.Dx()-w)/2
	y := bounds.Min.Y + (bounds.Dy()-h)/2
	return image.Rect(x, y, x+w, y+h)
}

// PrepareImage applies opts to img. The original is returned untouched when
// nothing would change; otherwise the result is a JPEG.
func PrepareImage(img engine.Image, opts PrepareOptions) (engine.Image, error) {
	if !opts.Changes() {
		return img, nil
	}
	if len(img.Data) == 0 {
		return engine.Image{}, &ImageProcessingError{Operation: "prepare", Err: errors.New("empty image data")}
	}

	decoded, err := imaging.Decode(bytes.NewReader(img.Data), imaging.AutoOrientation(opts.AutoOrient))
	if err != nil {
		return engine.Image{}, &ImageProcessingError{Operation: "decode", Err: err}
	}

	out := decoded
	changed := opts.AutoOrient && img.MIMEType == engine.MIMEJPEG
	if opts.FrameCrop {
		out = imaging.Crop(out, FrameRect(out.Bounds()))
		changed = true
	}
	if opts.MaxDimension > 0 {
		b := out.Bounds()
		if b.Dx() > opts.MaxDimension || b.Dy() > opts.MaxDimension {
			out = imaging.Fit(out, opts.MaxDimension, opts.MaxDimension, imaging.Lanczos)
			changed = true
		}
	}
	if !changed {
		return img, nil
	}

	quality := opts.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return engine.Image{}, &ImageProcessingError{Operation: "encode", Err: err}
	}
	return engine.Image{Name: img.Name, Data: buf.Bytes(), MIMEType: engine.MIMEJPEG}, nil
}
