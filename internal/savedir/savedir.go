// Package savedir enumerates the regular files of a save folder.
package savedir

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/juju/errors"
)

// File is a regular file found under a save folder
type File struct {
	Path    string // absolute or caller-relative path on disk
	RelPath string // slash-separated path relative to the scanned root
	Size    int64
	ModTime int64 // unix nanoseconds
}

// Unreadable records an entry that could not be inspected
type Unreadable struct {
	Path string
	Err  error
}

// Listing is the result of scanning a save folder
type Listing struct {
	Root       string
	Files      []File
	Unreadable []Unreadable
}

// TotalSize returns the sum of all file sizes in the listing
func (l *Listing) TotalSize() int64 {
	var total int64
	for _, f := range l.Files {
		total += f.Size
	}
	return total
}

// Scan walks dir recursively and returns every regular file under it.
// Symlinks, devices and other non-regular entries are ignored. Entries that
// cannot be read are collected in Unreadable instead of failing the scan.
// The returned files are sorted by RelPath.
func Scan(dir string) (*Listing, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundf("save directory %q", dir)
		}
		return nil, errors.Annotatef(err, "cannot stat save directory %q", dir)
	}
	if !info.IsDir() {
		return nil, errors.NotValidf("save directory %q is not a directory", dir)
	}

	// WalkDir does not descend into a symlinked root.
	root := dir
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}

	listing := &Listing{Root: root}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == dir {
				return walkErr
			}
			listing.Unreadable = append(listing.Unreadable, Unreadable{Path: path, Err: walkErr})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			listing.Unreadable = append(listing.Unreadable, Unreadable{Path: path, Err: err})
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		listing.Files = append(listing.Files, File{
			Path:    path,
			RelPath: filepath.ToSlash(rel),
			Size:    fi.Size(),
			ModTime: fi.ModTime().UnixNano(),
		})
		return nil
	})
	if err != nil {
		return nil, errors.Annotatef(err, "cannot walk save directory %q", dir)
	}

	sort.Slice(listing.Files, func(i, j int) bool {
		return listing.Files[i].RelPath < listing.Files[j].RelPath
	})

	return listing, nil
}

// ByRecency returns a copy of files ordered newest first, ties broken by
// RelPath ascending.
func ByRecency(files []File) []File {
	out := make([]File, len(files))
	copy(out, files)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ModTime != out[j].ModTime {
			return out[i].ModTime > out[j].ModTime
		}
		return out[i].RelPath < out[j].RelPath
	})
	return out
}
