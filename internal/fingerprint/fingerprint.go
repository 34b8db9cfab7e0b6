// Package fingerprint computes content digests of save folders.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/celarini/corvo/internal/savedir"
)

// Fingerprint is the lowercase hex SHA-256 of a directory's file contents.
type Fingerprint string

// Empty is the fingerprint of a directory without readable files.
const Empty Fingerprint = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// Short returns an abbreviated form for log lines
func (f Fingerprint) Short() string {
	if len(f) > 12 {
		return string(f[:12])
	}
	return string(f)
}

// Result describes a computed fingerprint
type Result struct {
	Fingerprint Fingerprint
	Files       int
	Bytes       int64
	Skipped     []string
}

// Fingerprinter hashes save folders
type Fingerprinter struct {
	logger *slog.Logger
}

// New creates a Fingerprinter
func New(logger *slog.Logger) *Fingerprinter {
	return &Fingerprinter{logger: logger}
}

// Compute streams every regular file under dir, ordered by relative path,
// into a single SHA-256. Files that cannot be read are skipped and logged;
// the digest then covers the readable remainder. A missing dir yields an
// error satisfying errors.Is(err, errors.NotFound).
func (f *Fingerprinter) Compute(dir string) (*Result, error) {
	listing, err := savedir.Scan(dir)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, u := range listing.Unreadable {
		f.logger.Warn("skipping unreadable entry", "path", u.Path, "error", u.Err)
		result.Skipped = append(result.Skipped, u.Path)
	}

	h := sha256.New()
	buf := make([]byte, 64*1024)
	for _, file := range listing.Files {
		n, err := hashFile(h, file.Path, buf)
		if err != nil {
			// bytes read before a mid-file failure stay in the digest
			f.logger.Warn("skipping unreadable file", "path", file.Path, "error", err)
			result.Skipped = append(result.Skipped, file.Path)
			continue
		}
		result.Files++
		result.Bytes += n
	}

	result.Fingerprint = Fingerprint(hex.EncodeToString(h.Sum(nil)))

	f.logger.Debug("fingerprint computed",
		"dir", dir,
		"fingerprint", result.Fingerprint.Short(),
		"files", result.Files,
		"skipped", len(result.Skipped))

	return result, nil
}

func hashFile(w io.Writer, path string, buf []byte) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = file.Close()
	}()

	n, err := io.CopyBuffer(w, file, buf)
	if err != nil {
		return n, fmt.Errorf("read failed after %d bytes: %w", n, err)
	}
	return n, nil
}
