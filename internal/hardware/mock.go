package hardware

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"github.com/cephla-io/squid-acquisition/internal/types"
)

// Mock is a synthetic Interface implementation for tests and
// demonstration runs: it never touches real hardware, generating
// deterministic-looking noise images so focus-score algorithms have
// something non-trivial to compute over.
type Mock struct {
	mu       sync.Mutex
	width    int
	height   int
	position types.StagePosition
	channel  string
	piezo    *float64
	rng      *rand.Rand

	// FocusProfile, if set, lets tests control per-FOV image sharpness by
	// returning a target focus score for the FOV currently positioned at
	// (used by scenario-style tests that assert specific QC outcomes).
	FocusProfile func(pos types.StagePosition) float64
}

// NewMock constructs a Mock producing width x height Mono8 images.
func NewMock(width, height int, seed int64) *Mock {
	return &Mock{width: width, height: height, rng: rand.New(rand.NewSource(seed))}
}

func (m *Mock) MoveTo(ctx context.Context, x, y, z float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.position = types.StagePosition{XMM: x, YMM: y, ZMM: z}
	return nil
}

func (m *Mock) SetChannel(ctx context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channel = channelID
	return nil
}

func (m *Mock) TriggerCapture(ctx context.Context) (*types.CapturedImage, error) {
	m.mu.Lock()
	pos := m.position
	m.mu.Unlock()

	data := make([]byte, m.width*m.height)
	sharpness := 0.5
	if m.FocusProfile != nil {
		sharpness = clamp01(m.FocusProfile(pos) / 255.0)
	}
	fillSyntheticImage(data, m.width, m.height, sharpness, m.rng)

	return &types.CapturedImage{
		Data:   data,
		Width:  m.width,
		Height: m.height,
		Depth:  8,
		Format: types.PixelFormatMono8,
	}, nil
}

func (m *Mock) CurrentZUM(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position.ZMM * 1000, nil
}

func (m *Mock) PiezoZUM(ctx context.Context) (*float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.piezo, nil
}

// fillSyntheticImage writes a noisy checkerboard whose contrast scales
// with sharpness in [0,1]: low sharpness approaches a flat field (blurred
// sensor), high sharpness a high-contrast pattern (sharp focus).
func fillSyntheticImage(data []byte, w, h int, sharpness float64, rng *rand.Rand) {
	amplitude := 64.0 + 160.0*sharpness
	base := 128.0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			checker := 1.0
			if (x/8+y/8)%2 == 0 {
				checker = -1.0
			}
			noise := (rng.Float64() - 0.5) * 16
			v := base + amplitude*checker + noise
			data[y*w+x] = clampByte(v)
		}
	}
}

func clampByte(v float64) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(math.Round(v))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
