package postprocess

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/banshee-data/pointpillars/internal/anno"
	"github.com/banshee-data/pointpillars/internal/fsutil"
)

// KittiFileName is the per-image result file name, e.g. 000042.txt.
func KittiFileName(imageIdx int64) string {
	return fmt.Sprintf("%06d.txt", imageIdx)
}

// WriteKittiResults writes one KITTI label file per image into dir. Images
// without detections get an empty file, so every evaluated image has a
// result. imageIdx and records are parallel.
func WriteKittiResults(fsys fsutil.FileSystem, dir string, imageIdx []int64, records []anno.Record) error {
	if len(imageIdx) != len(records) {
		return fmt.Errorf("kitti results: %d image indices for %d records", len(imageIdx), len(records))
	}
	if err := fsys.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create result dir: %w", err)
	}
	for i := range records {
		var buf bytes.Buffer
		if err := anno.WriteKittiLines(&buf, &records[i]); err != nil {
			return fmt.Errorf("image %d: %w", imageIdx[i], err)
		}
		path := filepath.Join(dir, KittiFileName(imageIdx[i]))
		if err := fsutil.WriteFileAtomic(fsys, path, buf.Bytes(), 0644); err != nil {
			return err
		}
	}
	return nil
}

// ReadKittiResults reads back the files written by WriteKittiResults, one
// record per image in imageIdx order. An empty file yields the canonical
// empty detection record. A missing file is an error.
func ReadKittiResults(fsys fsutil.FileSystem, dir string, imageIdx []int64) ([]anno.Record, error) {
	out := make([]anno.Record, 0, len(imageIdx))
	for _, idx := range imageIdx {
		data, err := fsys.ReadFile(filepath.Join(dir, KittiFileName(idx)))
		if err != nil {
			return nil, fmt.Errorf("read result for image %d: %w", idx, err)
		}
		rec, err := anno.ReadKittiLabels(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", idx, err)
		}
		if rec.Len() == 0 {
			rec = anno.EmptyDetection()
		}
		out = append(out, stamp(rec, idx))
	}
	return out, nil
}
