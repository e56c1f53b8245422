package preprocess

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/digit-api/internal/model"
)

// MaxPixels bounds the decoded size of an uploaded image.
const MaxPixels = 4096 * 4096

// FromImage decodes an uploaded image file into the canonical tensor:
// grayscale, resized to 28x28, scaled into [0, 1].
func FromImage(data []byte) (model.Tensor, error) {
	img, err := decode("preprocess.image", data)
	if err != nil {
		return model.Tensor{}, err
	}
	// transparent pixels read as black
	return toTensor(grayscale(img, 0), false), nil
}

// FromCanvas decodes a data URL ("<header>,<base64 payload>") produced by a
// drawing canvas. Canvas drawings are dark strokes on a light background, the
// opposite of the training images, so pixel values are inverted.
func FromCanvas(payload string) (model.Tensor, error) {
	const op = "preprocess.canvas"

	_, encoded, ok := strings.Cut(strings.TrimSpace(payload), ",")
	if !ok {
		return model.Tensor{}, model.InvalidInput(op, "missing ',' separator in canvas payload")
	}

	raw, err := decodeBase64(strings.TrimSpace(encoded))
	if err != nil {
		return model.Tensor{}, model.InvalidInput(op, "malformed base64 payload: %v", err)
	}

	img, err := decode(op, raw)
	if err != nil {
		return model.Tensor{}, err
	}
	// transparent canvas pixels are background
	return toTensor(grayscale(img, 1), true), nil
}

// CanvasPayload extracts the data URL from a request body that is either the
// raw string or a JSON string literal.
func CanvasPayload(body []byte) (string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", model.InvalidInput("preprocess.canvas", "empty canvas payload")
	}
	if trimmed[0] != '"' {
		return string(trimmed), nil
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return "", model.InvalidInput("preprocess.canvas", "invalid JSON string: %v", err)
	}
	return s, nil
}

func decodeBase64(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// some encoders drop the padding
		if alt, altErr := base64.RawStdEncoding.DecodeString(s); altErr == nil {
			return alt, nil
		}
		return nil, err
	}
	return raw, nil
}

func decode(op string, data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, model.InvalidInput(op, "empty image")
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, model.InvalidInput(op, "undecodable image: %v", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > MaxPixels {
		return nil, model.InvalidInput(op, "image dimensions %dx%d out of range", cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, model.InvalidInput(op, "undecodable image: %v", err)
	}
	return img, nil
}

// grayscale converts img to 8-bit luma, compositing partially transparent
// pixels over a background of the given intensity (0 black, 1 white).
func grayscale(img image.Image, background uint32) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := img.At(x, y).RGBA()
			fill := (0xffff - a) * background
			r, g, bl = r+fill, g+fill, bl+fill
			// same weights as color.GrayModel (ITU-R BT.601)
			lum := (19595*r + 38470*g + 7471*bl + 1<<15) >> 24
			out.Pix[(y-b.Min.Y)*out.Stride+(x-b.Min.X)] = uint8(lum)
		}
	}
	return out
}

func toTensor(gray *image.Gray, invert bool) model.Tensor {
	const size = model.ImageSize

	var src image.Image = gray
	if gray.Bounds().Dx() != size || gray.Bounds().Dy() != size {
		src = resize.Resize(size, size, gray, resize.Bicubic)
	}

	t := model.NewTensor()
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := pixel(src, x, y)
			if invert {
				v = 255 - v
			}
			t.Data[y*size+x] = float32(v) / 255.0
		}
	}
	return t
}

func pixel(img image.Image, x, y int) uint8 {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok {
		return g.GrayAt(b.Min.X+x, b.Min.Y+y).Y
	}
	return color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
}
