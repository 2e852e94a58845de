// Package hardware defines the Hardware interface consumed by the
// Acquisition Worker (spec.md §6). Stage, camera, illumination, and
// autofocus drivers are out of scope (spec.md §1): this package names
// only the black-box contract the Worker depends on, plus a Mock
// implementation for tests, grounded on the teacher's
// References/orion-prototipe/internal/stream/mock.go synthetic-source
// idiom.
package hardware

import (
	"context"

	"github.com/cephla-io/squid-acquisition/internal/types"
)

// Interface is the synchronous (from the Worker's perspective) contract
// every capture site interaction goes through. All operations return an
// error on fault; the Worker wraps any such error as a HardwareError and
// treats it as fatal to the run (spec.md §7).
type Interface interface {
	MoveTo(ctx context.Context, x, y, z float64) error
	SetChannel(ctx context.Context, channelID string) error
	TriggerCapture(ctx context.Context) (*types.CapturedImage, error)
	CurrentZUM(ctx context.Context) (float64, error)
	PiezoZUM(ctx context.Context) (*float64, error)
}
