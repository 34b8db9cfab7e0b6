// Package archive packs the most recently modified files of a save folder
// into a size-capped zip.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/juju/clock"

	"github.com/celarini/corvo/internal/savedir"
)

// DefaultMaxBytes is the uncompressed payload cap used when none is configured.
const DefaultMaxBytes int64 = 8 * 1024 * 1024

// Manifest is the ordered selection of files that fit under the cap
type Manifest struct {
	Entries    []savedir.File
	TotalBytes int64
	Candidates int
	Excluded   int
}

// Select orders files newest first and takes the longest prefix whose
// total size stays within limit. Selection stops at the first file that
// would overflow; smaller files after it are not considered.
func Select(files []savedir.File, limit int64) Manifest {
	ordered := savedir.ByRecency(files)
	m := Manifest{Candidates: len(ordered)}
	for i, f := range ordered {
		if m.TotalBytes+f.Size > limit {
			m.Excluded = len(ordered) - i
			break
		}
		m.Entries = append(m.Entries, f)
		m.TotalBytes += f.Size
	}
	return m
}

// Archive is a built zip on temporary storage
type Archive struct {
	Path     string
	Dir      string
	Manifest Manifest
	// Written lists the entries actually stored; it differs from
	// Manifest.Entries only when a file vanished or became unreadable.
	Written      []savedir.File
	WrittenBytes int64
}

// Remove deletes the archive together with its temporary directory
func (a *Archive) Remove() error {
	if a == nil || a.Dir == "" {
		return nil
	}
	return os.RemoveAll(a.Dir)
}

// Builder creates archives under a temporary root
type Builder struct {
	tempRoot string
	limit    int64
	clock    clock.Clock
	logger   *slog.Logger
}

// NewBuilder creates a Builder writing below tempRoot with the given payload cap
func NewBuilder(tempRoot string, limit int64, clk clock.Clock, logger *slog.Logger) *Builder {
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Builder{
		tempRoot: tempRoot,
		limit:    limit,
		clock:    clk,
		logger:   logger,
	}
}

// Limit returns the payload cap in bytes
func (b *Builder) Limit() int64 {
	return b.limit
}

// Build packs sourceDir into a fresh zip named after game. The caller owns
// the returned archive and must call Remove.
func (b *Builder) Build(game, sourceDir string) (*Archive, error) {
	listing, err := savedir.Scan(sourceDir)
	if err != nil {
		return nil, err
	}
	for _, u := range listing.Unreadable {
		b.logger.Warn("skipping unreadable entry", "game", game, "path", u.Path, "error", u.Err)
	}

	manifest := Select(listing.Files, b.limit)
	if manifest.Excluded > 0 {
		b.logger.Warn("archive size cap reached, older files left out",
			"game", game,
			"included", len(manifest.Entries),
			"excluded", manifest.Excluded,
			"limit_bytes", b.limit)
	}

	if err := os.MkdirAll(b.tempRoot, 0700); err != nil {
		return nil, fmt.Errorf("failed to create temp root: %w", err)
	}
	dir, err := os.MkdirTemp(b.tempRoot, "backup-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	a := &Archive{
		Path:     filepath.Join(dir, ArchiveName(game, b.clock.Now())),
		Dir:      dir,
		Manifest: manifest,
	}
	if err := b.write(a, game); err != nil {
		_ = a.Remove()
		return nil, err
	}

	b.logger.Info("archive created",
		"game", game,
		"path", a.Path,
		"entries", len(a.Written),
		"bytes", a.WrittenBytes)

	return a, nil
}

func (b *Builder) write(a *Archive, game string) error {
	out, err := os.OpenFile(a.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		_ = out.Close()
	}()

	zw := zip.NewWriter(out)
	for _, entry := range a.Manifest.Entries {
		src, err := os.Open(entry.Path)
		if err != nil {
			b.logger.Warn("skipping unreadable file", "game", game, "path", entry.Path, "error", err)
			continue
		}

		header := &zip.FileHeader{
			Name:     entry.RelPath,
			Method:   zip.Deflate,
			Modified: time.Unix(0, entry.ModTime),
		}
		w, err := zw.CreateHeader(header)
		if err != nil {
			_ = src.Close()
			return fmt.Errorf("failed to add %s: %w", entry.RelPath, err)
		}

		// Copy no more than the size seen at selection so a file that grew
		// since then cannot push the payload over the cap.
		n, err := io.Copy(w, io.LimitReader(src, entry.Size))
		_ = src.Close()
		if err != nil {
			// the entry is already in the stream; a zip writer has no undo
			return fmt.Errorf("failed to read %s: %w", entry.Path, err)
		}

		written := entry
		written.Size = n
		a.Written = append(a.Written, written)
		a.WrittenBytes += n
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}
	return nil
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ArchiveName returns the zip file name for game at time t
func ArchiveName(game string, t time.Time) string {
	name := unsafeNameChars.ReplaceAllString(game, "_")
	if name == "" || name == "." || name == ".." {
		name = "game"
	}
	return fmt.Sprintf("%s_backup_%s.zip", name, t.Format("20060102_150405"))
}
