package jobrunner

import (
	"fmt"
	"os"
	"path/filepath"

	acqerrors "github.com/cephla-io/squid-acquisition/internal/errors"
	"github.com/cephla-io/squid-acquisition/internal/types"
)

// SaveImageJob writes a captured image plus its capture info to the
// configured output path (spec.md §4.C). A Save failure is fatal to the
// run, so its error is surfaced as a HardwareError-adjacent JobError
// the Worker must check on every poll.
type SaveImageJob struct {
	Image  *SharedImage
	Info   types.CaptureInfo
	OutDir string // timepoint directory, e.g. {experiment_path}/000/images
}

func (j *SaveImageJob) Kind() Kind { return KindSaveImage }

func (j *SaveImageJob) FOV() types.FOVID { return j.Info.FOV }

func (j *SaveImageJob) PayloadBytes() int {
	if j.Image == nil || j.Image.Image() == nil {
		return 0
	}
	return len(j.Image.Image().Data)
}

// Run writes the image to disk and releases this job's reference to the
// shared image buffer, regardless of outcome.
func (j *SaveImageJob) Run() JobResult {
	defer j.Image.Release()

	img := j.Image.Image()
	if img == nil {
		return JobResult{
			Kind: KindSaveImage,
			FOV:  j.Info.FOV,
			Err:  acqerrors.NewForFOV(acqerrors.JobError, j.Info.FOV, "save: image already released", nil),
		}
	}

	path := j.outputPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return JobResult{
			Kind: KindSaveImage,
			FOV:  j.Info.FOV,
			Err:  acqerrors.NewForFOV(acqerrors.JobError, j.Info.FOV, "save: create output dir", err),
		}
	}

	if err := os.WriteFile(path, img.Data, 0o644); err != nil {
		return JobResult{
			Kind: KindSaveImage,
			FOV:  j.Info.FOV,
			Err:  acqerrors.NewForFOV(acqerrors.JobError, j.Info.FOV, "save: write image", err),
		}
	}

	return JobResult{
		Kind:     KindSaveImage,
		FOV:      j.Info.FOV,
		SaveInfo: &SaveResult{Path: path, Bytes: len(img.Data)},
	}
}

func (j *SaveImageJob) outputPath() string {
	return filepath.Join(j.OutDir, fmt.Sprintf("%s_%d_%s.bin",
		j.Info.FOV.RegionID, j.Info.FOV.FOVIndex, j.Info.ChannelID))
}
