// Package source opens a Health export for streaming and resolves the route
// files it references.
//
// Supported inputs:
//   - export.zip as produced by the Health app; the XML entry is streamed
//     from the archive and routes are read from the same archive.
//   - a plain export.xml, or one compressed as .xml.lz4, .xml.xz or .xml.zst;
//     routes are read relative to the file's directory.
package source

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// DefaultEntry is the XML entry inside a Health export archive.
const DefaultEntry = "apple_health_export/export.xml"

// ErrEntryNotFound reports an archive without an export.xml entry.
var ErrEntryNotFound = errors.New("export.xml entry not found")

// Export is an open export stream.
type Export struct {
	// Name is the resolved file or archive entry being streamed.
	Name string

	// Size is the uncompressed size of the XML in bytes, or 0 if unknown.
	Size int64

	// Routes opens files named by FileReference paths.
	Routes *RouteResolver

	r      io.Reader
	closer []func() error
}

func (e *Export) Read(p []byte) (int, error) { return e.r.Read(p) }

// Close releases the stream and any archive behind it.
func (e *Export) Close() error {
	var errs []error
	for i := len(e.closer) - 1; i >= 0; i-- {
		if err := e.closer[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open opens the export at p. entry selects the XML entry of a zip archive
// and is ignored for other inputs; an empty entry means DefaultEntry.
func Open(p, entry string) (*Export, error) {
	lower := strings.ToLower(p)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return openZip(p, entry)
	case strings.HasSuffix(lower, ".xml"),
		strings.HasSuffix(lower, ".xml.lz4"),
		strings.HasSuffix(lower, ".xml.xz"),
		strings.HasSuffix(lower, ".xml.zst"):
		return openFile(p, lower)
	default:
		return nil, fmt.Errorf("source: unsupported export %q", p)
	}
}

func openZip(p, entry string) (*Export, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("source: open %s: %w", p, err)
	}
	if entry == "" {
		entry = DefaultEntry
	}

	f := findEntry(zr.File, entry)
	if f == nil {
		zr.Close()
		return nil, fmt.Errorf("source: %s: %w (looked for %s)", p, ErrEntryNotFound, entry)
	}
	rc, err := f.Open()
	if err != nil {
		zr.Close()
		return nil, fmt.Errorf("source: open %s!%s: %w", p, f.Name, err)
	}

	return &Export{
		Name:   f.Name,
		Size:   int64(f.UncompressedSize64),
		Routes: &RouteResolver{zip: &zr.Reader, root: path.Dir(f.Name)},
		r:      rc,
		closer: []func() error{zr.Close, rc.Close},
	}, nil
}

// findEntry prefers the exact name, then any entry whose base name is
// export.xml.
func findEntry(files []*zip.File, name string) *zip.File {
	for _, f := range files {
		if f.Name == name {
			return f
		}
	}
	for _, f := range files {
		if path.Base(f.Name) == "export.xml" && !f.FileInfo().IsDir() {
			return f
		}
	}
	return nil
}

func openFile(p, lower string) (*Export, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("source: open %s: %w", p, err)
	}
	exp := &Export{
		Name:   p,
		Routes: &RouteResolver{dir: filepath.Dir(p)},
		closer: []func() error{f.Close},
	}

	switch {
	case strings.HasSuffix(lower, ".lz4"):
		exp.r = lz4.NewReader(f)
	case strings.HasSuffix(lower, ".xz"):
		xr, err := xz.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("source: xz %s: %w", p, err)
		}
		exp.r = xr
	case strings.HasSuffix(lower, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("source: zstd %s: %w", p, err)
		}
		exp.r = zr
		exp.closer = append(exp.closer, func() error { zr.Close(); return nil })
	default:
		exp.r = f
		if st, err := f.Stat(); err == nil {
			exp.Size = st.Size()
		}
	}
	return exp, nil
}

// RouteResolver opens route files named by FileReference paths such as
// "/workout-routes/route_2020-01-01_9.41am.gpx". Paths are resolved under the
// directory holding the export XML.
type RouteResolver struct {
	zip  *zip.Reader
	root string // archive directory of the XML entry
	dir  string // filesystem directory of the XML file
}

// OpenRoute opens the route file at ref.
func (r *RouteResolver) OpenRoute(ref string) (io.ReadCloser, error) {
	rel := strings.TrimPrefix(path.Clean("/"+ref), "/")
	if rel == "" {
		return nil, fmt.Errorf("source: empty route path %q", ref)
	}
	if r.zip != nil {
		name := path.Join(r.root, rel)
		f, err := r.zip.Open(name)
		if err != nil {
			return nil, fmt.Errorf("source: route %s: %w", name, err)
		}
		return f, nil
	}
	f, err := os.Open(filepath.Join(r.dir, filepath.FromSlash(rel)))
	if err != nil {
		return nil, fmt.Errorf("source: route: %w", err)
	}
	return f, nil
}
