package location

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// Kind tags which resolution strategy a Destination uses.
type Kind string

const (
	KindOpaque   Kind = "opaque"
	KindRelative Kind = "relative"
)

// RelativeLocation is a slash separated path under a logical root. An empty
// Path denotes the root itself.
type RelativeLocation struct {
	Root Root   `json:"root"`
	Path string `json:"path"`
}

// Destination is where a download is saved. It is either an opaque URL taken
// verbatim or a location relative to a logical root; it never stores an
// absolute path for a relative location.
type Destination struct {
	kind     Kind
	opaque   string
	relative RelativeLocation
}

// Opaque returns a destination that resolves to rawURL as-is.
func Opaque(rawURL string) Destination {
	return Destination{kind: KindOpaque, opaque: rawURL}
}

// Relative returns a destination under root. Backslashes are normalized to
// forward slashes and leading slashes are rejected.
func Relative(root Root, relPath string) (Destination, error) {
	loc, err := newRelativeLocation(root, relPath)
	if err != nil {
		return Destination{}, err
	}

	return Destination{kind: KindRelative, relative: loc}, nil
}

// MustRelative is Relative for constant inputs.
func MustRelative(root Root, relPath string) Destination {
	d, err := Relative(root, relPath)
	if err != nil {
		panic(err)
	}

	return d
}

func newRelativeLocation(root Root, relPath string) (RelativeLocation, error) {
	if !root.Valid() {
		return RelativeLocation{}, fmt.Errorf("%w: %w: %q", ErrUnresolvable, ErrUnknownRoot, root)
	}

	p := strings.ReplaceAll(relPath, `\`, "/")
	if strings.HasPrefix(p, "/") {
		return RelativeLocation{}, fmt.Errorf("%w: relative path %q is absolute", ErrUnresolvable, relPath)
	}

	if p != "" {
		p = path.Clean(p)
		if p == "." {
			p = ""
		}

		if p == ".." || strings.HasPrefix(p, "../") {
			return RelativeLocation{}, fmt.Errorf("%w: relative path %q escapes its root", ErrUnresolvable, relPath)
		}
	}

	return RelativeLocation{Root: root, Path: p}, nil
}

func (d Destination) Kind() Kind {
	return d.kind
}

// IsZero reports whether d was never initialized.
func (d Destination) IsZero() bool {
	return d.kind == ""
}

// URL returns the opaque URL string; empty for relative destinations.
func (d Destination) URL() string {
	return d.opaque
}

// Location returns the relative location; zero for opaque destinations.
func (d Destination) Location() RelativeLocation {
	return d.relative
}

func (d Destination) String() string {
	switch d.kind {
	case KindOpaque:
		return d.opaque
	case KindRelative:
		if d.relative.Path == "" {
			return "<" + string(d.relative.Root) + ">"
		}

		return "<" + string(d.relative.Root) + ">/" + d.relative.Path
	}

	return "<unset>"
}

type destinationJSON struct {
	Kind Kind   `json:"kind"`
	URL  string `json:"url,omitempty"`
	Root Root   `json:"root,omitempty"`
	Path string `json:"path,omitempty"`
}

func (d Destination) MarshalJSON() ([]byte, error) {
	switch d.kind {
	case KindOpaque:
		return json.Marshal(destinationJSON{Kind: KindOpaque, URL: d.opaque})
	case KindRelative:
		return json.Marshal(destinationJSON{Kind: KindRelative, Root: d.relative.Root, Path: d.relative.Path})
	}

	return []byte("null"), nil
}

func (d *Destination) UnmarshalJSON(data []byte) error {
	var raw destinationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	parsed, err := FromParts(raw.Kind, raw.URL, raw.Root, raw.Path)
	if err != nil {
		return err
	}

	*d = parsed

	return nil
}

// FromParts rebuilds a destination from its flattened fields, as stored in a
// database row or decoded from a request body.
func FromParts(kind Kind, rawURL string, root Root, relPath string) (Destination, error) {
	switch kind {
	case KindOpaque:
		if rawURL == "" {
			return Destination{}, fmt.Errorf("%w: opaque destination without url", ErrUnresolvable)
		}

		return Opaque(rawURL), nil
	case KindRelative:
		return Relative(root, relPath)
	}

	return Destination{}, fmt.Errorf("%w: unknown destination kind %q", ErrUnresolvable, kind)
}

// Resolver turns destinations into concrete locations against the current
// environment. It holds no state besides the environment.
type Resolver struct {
	env Environment
}

func NewResolver(env Environment) *Resolver {
	return &Resolver{env: env}
}

// Resolve returns the absolute URL of d. Relative destinations resolve to
// file URLs under the current root directory.
func (r *Resolver) Resolve(d Destination) (*url.URL, error) {
	switch d.kind {
	case KindOpaque:
		u, err := url.Parse(d.opaque)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnresolvable, err)
		}

		if u.Scheme == "" && !filepath.IsAbs(u.Path) {
			return nil, fmt.Errorf("%w: %q is neither an absolute URL nor an absolute path", ErrUnresolvable, d.opaque)
		}

		return u, nil
	case KindRelative:
		p, err := r.relativePath(d.relative)
		if err != nil {
			return nil, err
		}

		return &url.URL{Scheme: "file", Path: filepath.ToSlash(p)}, nil
	}

	return nil, fmt.Errorf("%w: empty destination", ErrUnresolvable)
}

// ResolvePath returns the filesystem path of d. Opaque destinations must be
// file URLs or bare absolute paths.
func (r *Resolver) ResolvePath(d Destination) (string, error) {
	if d.kind == KindRelative {
		return r.relativePath(d.relative)
	}

	u, err := r.Resolve(d)
	if err != nil {
		return "", err
	}

	if u.Scheme != "" && u.Scheme != "file" {
		return "", fmt.Errorf("%w: %q is not a local path", ErrUnresolvable, d.opaque)
	}

	return filepath.FromSlash(u.Path), nil
}

// RootPath returns the current directory of root.
func (r *Resolver) RootPath(root Root) (string, error) {
	dir, err := r.env.RootDirectory(root)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnresolvable, err)
	}

	return filepath.Clean(dir), nil
}

func (r *Resolver) relativePath(loc RelativeLocation) (string, error) {
	base, err := r.RootPath(loc.Root)
	if err != nil {
		return "", err
	}

	if loc.Path == "" {
		return base, nil
	}

	return filepath.Join(base, filepath.FromSlash(loc.Path)), nil
}
