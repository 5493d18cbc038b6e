package framesource

import (
	"image"
	_ "image/jpeg" // frame grabs are encoded as JPEG
	_ "image/png"  // allow PNG sources as well
	"os"
)

// ProbeDimensions reads the pixel dimensions of an image file from its
// header without decoding pixel data. Best-effort: returns (nil, nil) when
// the file is missing or unreadable so callers can persist frames with
// unknown dimensions.
func ProbeDimensions(path string) (width, height *int) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil, nil
	}
	return &cfg.Width, &cfg.Height
}
