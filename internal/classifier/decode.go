package classifier

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"sync"

	"golang.org/x/image/draw"
)

// ErrUnsupportedFormat is returned for images none of the registered
// decoders understand (webp, heic, corrupt data).
var ErrUnsupportedFormat = errors.New("unsupported image format")

const jpegQuality = 90

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// payload is the image body sent to the models. It is only valid until
// release is called.
type payload struct {
	data        []byte
	contentType string
	buf         *bytes.Buffer
}

func (p *payload) release() {
	if p.buf != nil {
		p.buf.Reset()
		bufPool.Put(p.buf)
		p.buf = nil
	}
	p.data = nil
}

// prepare validates img and shrinks it so its longest side is at most
// maxEdge. Images already small enough are sent as-is. The decoded pixels
// are dropped before prepare returns; only the encoded buffer is kept.
func prepare(img []byte, maxEdge int) (*payload, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	longest := max(cfg.Width, cfg.Height)
	if maxEdge <= 0 || longest <= maxEdge {
		return &payload{data: img, contentType: "image/" + format}, nil
	}

	src, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	scale := float64(maxEdge) / float64(longest)
	w := max(1, int(float64(cfg.Width)*scale))
	h := max(1, int(float64(cfg.Height)*scale))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	if err := jpeg.Encode(buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		bufPool.Put(buf)
		return nil, fmt.Errorf("encode resized image: %w", err)
	}

	return &payload{data: buf.Bytes(), contentType: "image/jpeg", buf: buf}, nil
}
