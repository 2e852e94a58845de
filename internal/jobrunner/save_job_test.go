package jobrunner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cephla-io/squid-acquisition/internal/types"
)

func TestSaveImageJobWritesFileAndReleasesImage(t *testing.T) {
	fov := types.FOVID{RegionID: "A", FOVIndex: 0}
	img := NewSharedImage(&types.CapturedImage{Data: []byte{1, 2, 3, 4}}, 1, nil)
	dir := t.TempDir()

	job := &SaveImageJob{
		Image:  img,
		Info:   types.CaptureInfo{FOV: fov, ChannelID: "bf"},
		OutDir: dir,
	}

	res := job.Run()
	if res.Err != nil {
		t.Fatalf("Run() error = %v", res.Err)
	}
	if res.SaveInfo == nil {
		t.Fatal("SaveInfo is nil on success")
	}
	data, err := os.ReadFile(res.SaveInfo.Path)
	if err != nil {
		t.Fatalf("reading saved file: %v", err)
	}
	if len(data) != 4 {
		t.Fatalf("saved file has %d bytes, want 4", len(data))
	}
	if img.Image() != nil {
		t.Fatal("SaveImageJob.Run() must release its SharedImage holder")
	}
}

func TestSaveImageJobFailsWhenImageAlreadyReleased(t *testing.T) {
	img := NewSharedImage(&types.CapturedImage{Data: []byte{1}}, 1, nil)
	img.Release() // simulate the other holder (QC) having already released it

	job := &SaveImageJob{
		Image:  img,
		Info:   types.CaptureInfo{FOV: types.FOVID{RegionID: "A", FOVIndex: 0}, ChannelID: "bf"},
		OutDir: t.TempDir(),
	}
	res := job.Run()
	if res.Err == nil {
		t.Fatal("Run() on an already-released image should report an error")
	}
}

func TestSaveImageJobOutputPathIncludesFOVAndChannel(t *testing.T) {
	job := &SaveImageJob{
		Image:  NewSharedImage(&types.CapturedImage{Data: []byte{1}}, 1, nil),
		Info:   types.CaptureInfo{FOV: types.FOVID{RegionID: "B", FOVIndex: 3}, ChannelID: "dapi"},
		OutDir: "/tmp/acq",
	}
	want := filepath.Join("/tmp/acq", "B_3_dapi.bin")
	if got := job.outputPath(); got != want {
		t.Fatalf("outputPath() = %q, want %q", got, want)
	}
}
