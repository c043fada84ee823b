package main

import "github.com/capsim/capsim/internal/simerr"

// Process exit codes: 0 a run reached Completed, 1 a run reached
// Failed or the process errored for any other reason, 2 the supplied
// configuration was rejected before the run ever started.
const (
	exitCompleted     = 0
	exitFailed        = 1
	exitInvalidConfig = 2
)

func exitCodeFor(err error) int {
	if err == nil {
		return exitCompleted
	}
	if simerr.Is(err, simerr.ClassConfig) {
		return exitInvalidConfig
	}
	return exitFailed
}
