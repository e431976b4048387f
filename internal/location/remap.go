package location

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Marker ties a directory name fragment found in legacy absolute paths to the
// logical root it belongs to.
type Marker struct {
	Fragment string
	Root     Root
}

// DefaultMarkers is checked in order; the first fragment found in a path wins.
var DefaultMarkers = []Marker{
	{Fragment: "Documents/", Root: RootDocuments},
	{Fragment: "Library/Caches/", Root: RootCaches},
}

// Remapper re-expresses absolute paths recorded under an older sandbox root in
// terms of the current one.
type Remapper struct {
	resolver *Resolver
	markers  []Marker
}

// NewRemapper returns a Remapper using markers, or DefaultMarkers when none
// are given.
func NewRemapper(resolver *Resolver, markers ...Marker) *Remapper {
	if len(markers) == 0 {
		markers = DefaultMarkers
	}

	return &Remapper{resolver: resolver, markers: markers}
}

// Classify finds the root a legacy path belongs to and the tail after the
// first occurrence of that root's marker.
func (m *Remapper) Classify(oldPath string) (RelativeLocation, error) {
	p := filepath.ToSlash(oldPath)

	for _, marker := range m.markers {
		idx := strings.Index(p, marker.Fragment)
		if idx < 0 {
			continue
		}

		tail := p[idx+len(marker.Fragment):]

		loc, err := newRelativeLocation(marker.Root, tail)
		if err != nil {
			return RelativeLocation{}, err
		}

		return loc, nil
	}

	return RelativeLocation{}, fmt.Errorf("%w: %q", ErrNotRecognized, oldPath)
}

// Remap returns where oldPath lives under the current environment. The result
// is not checked for existence.
func (m *Remapper) Remap(oldPath string) (string, error) {
	loc, err := m.Classify(oldPath)
	if err != nil {
		return "", err
	}

	return m.resolver.relativePath(loc)
}

// Migrate converts an opaque destination holding a local absolute path into a
// relative one so it survives future relocations. Remote URLs and relative
// destinations are returned unchanged.
func (m *Remapper) Migrate(d Destination) (Destination, error) {
	if d.kind != KindOpaque {
		return d, nil
	}

	u, err := url.Parse(d.opaque)
	if err != nil {
		return Destination{}, fmt.Errorf("%w: %w", ErrUnresolvable, err)
	}

	if u.Scheme != "" && u.Scheme != "file" {
		return d, nil
	}

	loc, err := m.Classify(u.Path)
	if err != nil {
		return Destination{}, err
	}

	return Destination{kind: KindRelative, relative: loc}, nil
}
