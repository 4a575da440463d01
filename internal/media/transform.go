package media

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"

	apperrors "github.com/kimhsiao/medportal/core/internal/errors"
)

// decode sniffs and decodes source bytes, honoring EXIF orientation.
func decode(data []byte) (image.Image, string, error) {
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, "", apperrors.New(apperrors.ErrImageDecode, "source is "+mt.String()+", not an image")
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.ErrImageDecode, "failed to decode "+mt.String(), err)
	}
	return img, mt.String(), nil
}

// render scales img to fit p and encodes it as JPEG. Images already inside
// the bounds are re-encoded at their own size.
func render(img image.Image, p Preset) ([]byte, image.Rectangle, error) {
	out := img
	b := img.Bounds()
	if b.Dx() > p.MaxWidth || b.Dy() > p.MaxHeight {
		out = imaging.Fit(img, p.MaxWidth, p.MaxHeight, imaging.Lanczos)
	}
	if p.Blur > 0 {
		out = imaging.Blur(out, p.Blur)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(p.JPEGQuality)); err != nil {
		return nil, image.Rectangle{}, apperrors.Wrap(apperrors.ErrImageEncode, "failed to encode image", err)
	}
	return buf.Bytes(), out.Bounds(), nil
}
