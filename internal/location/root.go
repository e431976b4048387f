package location

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Root names a base directory whose absolute location is owned by the host
// environment and may move between runs.
type Root string

const (
	RootDocuments Root = "documents"
	RootTemporary Root = "temporary"
	RootCaches    Root = "caches"
)

var (
	ErrNotRecognized = errors.New("path does not belong to a known root")
	ErrUnresolvable  = errors.New("destination cannot be resolved")
	ErrUnknownRoot   = errors.New("unknown logical root")
)

// Valid reports whether r is one of the known roots.
func (r Root) Valid() bool {
	switch r {
	case RootDocuments, RootTemporary, RootCaches:
		return true
	}

	return false
}

func (r Root) String() string {
	return string(r)
}

// ParseRoot converts a persisted or user supplied name into a Root.
func ParseRoot(s string) (Root, error) {
	r := Root(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRoot, s)
	}

	return r, nil
}

// Environment answers where a logical root currently lives. Implementations
// must not cache answers across calls.
type Environment interface {
	RootDirectory(root Root) (string, error)
}

// EnvironmentFunc adapts a plain function to Environment.
type EnvironmentFunc func(root Root) (string, error)

func (f EnvironmentFunc) RootDirectory(root Root) (string, error) {
	return f(root)
}

// StaticEnvironment maps every root to a fixed directory.
type StaticEnvironment map[Root]string

func (e StaticEnvironment) RootDirectory(root Root) (string, error) {
	dir, ok := e[root]
	if !ok || dir == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownRoot, root)
	}

	return dir, nil
}

// OSEnvironment derives root directories from the running process every time
// it is asked. Non-empty overrides win over the process defaults.
type OSEnvironment struct {
	Overrides map[Root]string
}

func (e OSEnvironment) RootDirectory(root Root) (string, error) {
	if dir := e.Overrides[root]; dir != "" {
		return filepath.Abs(dir)
	}

	switch root {
	case RootDocuments:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to locate home directory: %w", err)
		}

		return filepath.Join(home, "Documents"), nil
	case RootTemporary:
		return os.TempDir(), nil
	case RootCaches:
		dir, err := os.UserCacheDir()
		if err != nil {
			return "", fmt.Errorf("failed to locate cache directory: %w", err)
		}

		return dir, nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownRoot, root)
}
