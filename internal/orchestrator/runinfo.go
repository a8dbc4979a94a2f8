package orchestrator

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/goccy/go-json"
)

// RunInfo describes a run. It is written as run.json in the run directory.
type RunInfo struct {
	RunID     string    `json:"run_id"`
	Realm     string    `json:"realm"`
	Start     time.Time `json:"start"`
	Commit    string    `json:"commit,omitempty"`
	GoVersion string    `json:"go_version,omitempty"`
}

// NewRunInfo fills build information from the running binary.
func NewRunInfo(runID, realm string, start time.Time) RunInfo {
	info := RunInfo{RunID: runID, Realm: realm, Start: start.UTC()}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.GoVersion = bi.GoVersion
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" {
				info.Commit = s.Value
			}
		}
	}
	return info
}

// WriteRunInfo stores info as run.json in dir.
func WriteRunInfo(dir string, info RunInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "run.json"), data, 0o644)
}

// NewRunID returns a sortable, unique run id.
func NewRunID(now time.Time) string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return now.UTC().Format("20060102T150405Z") + "-" + hex.EncodeToString(b[:])
}
