package logx

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// CleanupOldLogs removes per-run log files in dir older than keepFor
// and reports how many were deleted. Files that do not match the
// log<stamp>.log pattern are left alone. A missing directory is not an
// error; there is simply nothing to clean.
func CleanupOldLogs(log zerolog.Logger, dir string, keepFor time.Duration) (int, error) {
	if dir == "" || keepFor <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-keepFor)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		started, err := time.ParseInLocation(fileStampLayout, stamp, time.Local)
		if err != nil {
			continue
		}
		if !started.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			log.Warn().Err(err).Str("file", name).Msg("could not remove old log file")
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("cleaned up old log files")
	}
	return removed, nil
}
