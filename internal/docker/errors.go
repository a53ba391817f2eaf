package docker

import "fmt"

// BuildError reports a failed image build, carrying the build tool's
// combined output for diagnostics.
type BuildError struct {
	ImageTag string
	Output   string
	Err      error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("building image %s: %v: %s", e.ImageTag, e.Err, e.Output)
}

func (e *BuildError) Unwrap() error { return e.Err }

// StartupError reports an environment that never reached a running state
// within the configured number of readiness polls.
type StartupError struct {
	Name     string
	Attempts int
	LastErr  string
}

func (e *StartupError) Error() string {
	if e.LastErr != "" {
		return fmt.Sprintf("container %s not running after %d attempts: %s", e.Name, e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("container %s not running after %d attempts", e.Name, e.Attempts)
}
