package worker

import (
	"context"
	"sync"

	"github.com/cephla-io/squid-acquisition/internal/types"
)

// fakeHW is a deterministic hardware.Interface test double: it returns a
// fixed image per stage X position rather than the production Mock's
// randomized checkerboard, so focus-score assertions need no tolerance
// for noise.
type fakeHW struct {
	mu     sync.Mutex
	lastX  float64
	images map[float64]*types.CapturedImage
	fail   map[string]error // op name -> error to return once triggered
}

func newFakeHW() *fakeHW {
	return &fakeHW{images: make(map[float64]*types.CapturedImage)}
}

func flatCapturedImage(w, h int, v byte) *types.CapturedImage {
	data := make([]byte, w*h)
	for i := range data {
		data[i] = v
	}
	return &types.CapturedImage{Data: data, Width: w, Height: h, Depth: 8, Format: types.PixelFormatMono8}
}

// sharpCapturedImage alternates 0/255 every pixel, producing an extreme,
// easily distinguished discrete Laplacian.
func sharpCapturedImage(w, h int) *types.CapturedImage {
	data := make([]byte, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x+y)%2 == 0 {
				data[y*w+x] = 255
			}
		}
	}
	return &types.CapturedImage{Data: data, Width: w, Height: h, Depth: 8, Format: types.PixelFormatMono8}
}

func (h *fakeHW) MoveTo(ctx context.Context, x, y, z float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastX = x
	return nil
}

func (h *fakeHW) SetChannel(ctx context.Context, channelID string) error {
	if h.fail != nil {
		if err, ok := h.fail["set_channel"]; ok {
			return err
		}
	}
	return nil
}

func (h *fakeHW) TriggerCapture(ctx context.Context) (*types.CapturedImage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if img, ok := h.images[h.lastX]; ok {
		return img, nil
	}
	return flatCapturedImage(8, 8, 128), nil
}

func (h *fakeHW) CurrentZUM(ctx context.Context) (float64, error) { return 0, nil }

func (h *fakeHW) PiezoZUM(ctx context.Context) (*float64, error) { return nil, nil }
