package internal

import (
	"log"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

var (
	DefaultAppName    = "revtune"
	DefaultConfigPath = filepath.Join(getHomeDir(), ".config", DefaultAppName)
	DefaultOutputDir  = "output"

	// Checkpoint directory names under the output dir. One live instance
	// per kind, overwritten in place via atomic rename.
	CheckpointLastDir        = "checkpoint-last"
	CheckpointBestPPLDir     = "checkpoint-best-ppl"
	CheckpointBestOverlapDir = "checkpoint-best-overlap"
	CheckpointBestQualityDir = "checkpoint-best-quality"

	// Default DSN for the evaluation history store (in-memory libsql).
	DefaultHistoryDSN = "file::memory:?cache=shared"
)

func getHomeDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		cwd, cwdErr := os.Getwd()
		if cwdErr != nil {
			log.Printf("Unable to get home or working directory, using /tmp: %v", err)
			return "/tmp"
		}
		log.Printf("Unable to get home directory, using current working directory: %v", err)
		return cwd
	}
	return homeDir
}

// GetLogger returns a properly configured zerolog logger instance
func GetLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
