package jobrunner

import (
	"sync/atomic"

	"github.com/cephla-io/squid-acquisition/internal/types"
)

// SharedImage wraps a CapturedImage with a reference count so that an
// image dispatched to both a Save job and a QC job has its buffer
// released only once the last holder finishes with it (spec.md §4.C,
// "shared lifetime whose destruction releases the buffer").
//
// Grounded on the teacher's immutability contract for shared frames
// (modules/framesupplier/internal/frame.go): no holder may mutate Data,
// and ownership transfers at dispatch time, never shared back with the
// acquisition loop.
type SharedImage struct {
	image    *types.CapturedImage
	refCount int32
	release  func()
}

// NewSharedImage wraps image with holders references. release, if
// non-nil, runs exactly once when the last holder calls Release.
func NewSharedImage(image *types.CapturedImage, holders int, release func()) *SharedImage {
	if holders < 1 {
		holders = 1
	}
	return &SharedImage{image: image, refCount: int32(holders), release: release}
}

// Image returns the underlying buffer. Callers must not mutate it.
func (s *SharedImage) Image() *types.CapturedImage {
	return s.image
}

// Release decrements the reference count; when it reaches zero the
// wrapped release callback (if any) runs and the image pointer is
// cleared so later misuse fails fast instead of reading freed state.
func (s *SharedImage) Release() {
	if atomic.AddInt32(&s.refCount, -1) == 0 {
		if s.release != nil {
			s.release()
		}
		s.image = nil
	}
}
