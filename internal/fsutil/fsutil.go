package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// stdExts decode with the built-in codec, in order of preference when one
// shot exists in several formats.
var stdExts = []string{".tif", ".tiff", ".png", ".jpg", ".jpeg", ".webp", ".bmp", ".gif"}

// rawExts need the ImageMagick codec.
var rawExts = []string{".dng", ".nef", ".cr2", ".cr3", ".arw", ".rw2", ".orf", ".pef", ".raf", ".srw", ".x3f"}

// ExtensionsFor returns the extensions a codec can decode, most preferred
// first. Unknown codecs get the built-in list.
func ExtensionsFor(codec string) []string {
	exts := append([]string(nil), stdExts...)
	if codec == "magick" {
		exts = append(exts, rawExts...)
	}
	return exts
}

// HasExtension reports whether path ends in one of exts, ignoring case.
func HasExtension(path string, exts []string) bool {
	return rank(path, exts) >= 0
}

func rank(path string, exts []string) int {
	ext := strings.ToLower(filepath.Ext(path))
	for i, e := range exts {
		if e == ext {
			return i
		}
	}
	return -1
}

// OnePerShot filters paths down to files with one of exts and keeps a single
// file per shot: IMG_0001.JPG and IMG_0001.CR2 are the same frame, and the
// extension listed first in exts wins. The result is sorted by name.
func OnePerShot(paths []string, exts []string) []string {
	best := make(map[string]string)
	for _, p := range paths {
		r := rank(p, exts)
		if r < 0 {
			continue
		}
		stem := strings.TrimSuffix(p, filepath.Ext(p))
		if cur, ok := best[stem]; ok && rank(cur, exts) <= r {
			continue
		}
		best[stem] = p
	}
	out := make([]string, 0, len(best))
	for _, p := range best {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ListImages returns the decodable image files directly inside dir, one per
// shot, sorted by name. Focus brackets are named in capture order, so the
// first entry is the reference frame. A nil exts uses the built-in codec's
// extensions.
func ListImages(dir string, exts []string) ([]string, error) {
	if exts == nil {
		exts = stdExts
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return OnePerShot(files, exts), nil
}

// ResolveInputs expands a mix of files and directories into an ordered list
// of image paths. Directories contribute their sorted listing in place;
// explicit files are passed through whatever their extension.
func ResolveInputs(inputs []string, exts []string) ([]string, error) {
	var out []string
	for _, in := range inputs {
		info, err := os.Stat(in)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, in)
			continue
		}
		imgs, err := ListImages(in, exts)
		if err != nil {
			return nil, err
		}
		if len(imgs) == 0 {
			return nil, fmt.Errorf("no images in %s", in)
		}
		out = append(out, imgs...)
	}
	return out, nil
}

// Within reports whether path lies inside one of roots once symlinks are
// resolved. An empty roots list allows everything. path need not exist.
func Within(path string, roots []string) bool {
	if len(roots) == 0 {
		return true
	}
	resolved, err := resolve(path)
	if err != nil {
		return false
	}
	for _, root := range roots {
		r, err := resolve(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(r, resolved)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}

// resolve makes path absolute and evaluates symlinks in its longest existing
// prefix. The missing tail is appended unchanged.
func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	existing, tail := abs, ""
	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			return filepath.Join(resolved, tail), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		tail = filepath.Join(filepath.Base(existing), tail)
		existing = parent
	}
}
