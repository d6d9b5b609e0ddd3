package clip

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const DefaultImageSize = 224

var (
	clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	clipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// ImageTensor is a single-sample [1, 3, Size, Size] float32 tensor in CHW order.
type ImageTensor struct {
	Data []float32
	Size int
}

func (t *ImageTensor) Shape() []int64 {
	return []int64{1, 3, int64(t.Size), int64(t.Size)}
}

type Preprocessor struct {
	size int
}

func NewPreprocessor(size int) *Preprocessor {
	if size <= 0 {
		size = DefaultImageSize
	}
	return &Preprocessor{size: size}
}

func (p *Preprocessor) Size() int {
	return p.size
}

// DecodeImage decodes any registered encoding and coerces the result to RGB.
func DecodeImage(data []byte) (*image.NRGBA, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image payload")
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("decode image: empty %s image", format)
	}
	return ToRGB(img), nil
}

// ToRGB drops the alpha channel the way a plain mode conversion does: the
// straight color values are kept and the result is fully opaque.
func ToRGB(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl := straightRGB(img, x, y)
			off := dst.PixOffset(x-b.Min.X, y-b.Min.Y)
			dst.Pix[off+0] = r
			dst.Pix[off+1] = g
			dst.Pix[off+2] = bl
			dst.Pix[off+3] = 0xff
		}
	}
	return dst
}

// straightRGB reads non-premultiplied color. RGBA() premultiplies, so the
// straight formats are read from the pixel.
func straightRGB(img image.Image, x, y int) (uint8, uint8, uint8) {
	switch src := img.(type) {
	case *image.NRGBA64:
		c := src.NRGBA64At(x, y)
		return uint8(c.R >> 8), uint8(c.G >> 8), uint8(c.B >> 8)
	case *image.NRGBA:
		c := src.NRGBAAt(x, y)
		return c.R, c.G, c.B
	}
	c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
	return c.R, c.G, c.B
}

// Transform resizes to a square with bicubic interpolation and normalizes
// each channel with the statistics the model was trained on.
func (p *Preprocessor) Transform(img *image.NRGBA) *ImageTensor {
	size := p.size
	resized := img
	if img.Bounds().Dx() != size || img.Bounds().Dy() != size {
		resized = image.NewNRGBA(image.Rect(0, 0, size, size))
		draw.CatmullRom.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Src, nil)
	}
	plane := size * size
	data := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := resized.PixOffset(x, y)
			idx := y*size + x
			for ch := 0; ch < 3; ch++ {
				v := float32(resized.Pix[off+ch]) / 255
				data[ch*plane+idx] = (v - clipMean[ch]) / clipStd[ch]
			}
		}
	}
	return &ImageTensor{Data: data, Size: size}
}

func (p *Preprocessor) Preprocess(data []byte) (*ImageTensor, error) {
	img, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}
	return p.Transform(img), nil
}
