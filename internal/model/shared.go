package model

import (
	_ "embed"
	"sync"
)

//go:embed default_bundle.json
var defaultBundle []byte

// Default parses the bundle compiled into the binary.
func Default() (*Ensemble, error) {
	return Parse(defaultBundle)
}

// Load returns the bundle at path, or the embedded default when path is empty.
func Load(path string) (*Ensemble, error) {
	if path == "" {
		return Default()
	}
	return LoadFile(path)
}

var (
	sharedOnce sync.Once
	shared     *Ensemble
	sharedErr  error
)

// Shared loads the process-wide runtime on first use. Later calls return the
// same instance and error regardless of path.
func Shared(path string) (*Ensemble, error) {
	sharedOnce.Do(func() {
		shared, sharedErr = Load(path)
	})
	return shared, sharedErr
}
