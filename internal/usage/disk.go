package usage

import (
	"io/fs"
	"path/filepath"
	"strings"
)

const bytesPerMB = 1 << 20

// Step names with fixed storage semantics.
const (
	StepStageIn  = "stage_in"
	StepStageOut = "stage_out"
)

// DirMB returns the size in megabytes of the regular files under root,
// skipping entries whose path relative to root starts with any of excludes.
// Unreadable entries are skipped.
func DirMB(root string, excludes ...string) float64 {
	var total int64
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		for _, ex := range excludes {
			if strings.HasPrefix(rel, ex) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return float64(total) / bytesPerMB
}

// StepDiskMB returns the storage attributed to a step of a job run in
// workDir. stage_in owns the inputs/ subdirectory, stage_out owns nothing and
// every other step owns the work directory minus inputs/.
func StepDiskMB(workDir, step string) float64 {
	switch step {
	case StepStageIn:
		return DirMB(filepath.Join(workDir, "inputs"))
	case StepStageOut:
		return 0
	default:
		return DirMB(workDir, "inputs")
	}
}
