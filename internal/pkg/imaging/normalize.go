package imaging

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// ErrUndecodable is returned when bytes claimed to be an image cannot be decoded.
var ErrUndecodable = errors.New("image cannot be decoded")

// Config for normalization
type Config struct {
	MaxWidth  int // 0 means no limit
	MaxHeight int
}

// DefaultConfig returns default normalization config
func DefaultConfig() Config {
	return Config{
		MaxWidth:  2048,
		MaxHeight: 2048,
	}
}

// Normalizer turns image bytes of any supported format into PNG.
type Normalizer struct {
	config Config
}

func NewNormalizer(config Config) *Normalizer {
	return &Normalizer{config: config}
}

// Result of a normalization.
type Result struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// ToPNG decodes data (honouring EXIF orientation), downsizes it if it
// exceeds the configured bounds and re-encodes it as PNG.
func (n *Normalizer) ToPNG(data []byte) (*Result, error) {
	if len(data) == 0 {
		return nil, ErrUndecodable
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}

	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, ErrUndecodable
	}

	if (n.config.MaxWidth > 0 && b.Dx() > n.config.MaxWidth) || (n.config.MaxHeight > 0 && b.Dy() > n.config.MaxHeight) {
		img = imaging.Fit(img, n.config.MaxWidth, n.config.MaxHeight, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}

	return &Result{
		Data:        buf.Bytes(),
		ContentType: "image/png",
		Width:       img.Bounds().Dx(),
		Height:      img.Bounds().Dy(),
	}, nil
}
