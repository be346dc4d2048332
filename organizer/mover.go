package organizer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// Mover performs every filesystem move between the managed areas: inbox
// (external), quarantine, dead-letter and the archive tree.
type Mover struct {
	QuarantineDir string
	ProcessingDir string
	FailedDir     string
	DeadLetterDir string
	ArchiveRoot   string
}

// NewMover builds a Mover from the configured staging layout.
func NewMover(cfg *Config) *Mover {
	return &Mover{
		QuarantineDir: cfg.QuarantineDir(),
		ProcessingDir: cfg.ProcessingDir(),
		FailedDir:     cfg.FailedDir(),
		DeadLetterDir: cfg.DeadLetterDir(),
		ArchiveRoot:   cfg.DestinationDirectory,
	}
}

// EnsureDirs creates the staging areas and the archive root.
func (m *Mover) EnsureDirs() error {
	for _, d := range []string{m.QuarantineDir, m.ProcessingDir, m.FailedDir, m.DeadLetterDir, m.ArchiveRoot} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", d, err)
		}
	}
	return nil
}

// quarantineName prefixes the original filename with a microsecond-resolution
// timestamp so the same filename can be quarantined repeatedly without
// collisions.
func quarantineName(original string, now time.Time) string {
	return fmt.Sprintf("%s_%06d_%s", now.Format("20060102_150405"), now.Nanosecond()/1000, original)
}

// OriginalName strips the quarantine timestamp prefix from a quarantined
// filename. Filenames without the prefix are returned unchanged.
func OriginalName(quarantined string) string {
	// <YYYYMMDD>_<HHMMSS>_<micro>_<original>
	rest := quarantined
	for i := 0; i < 3; i++ {
		j := strings.IndexByte(rest, '_')
		if j < 0 {
			return quarantined
		}
		rest = rest[j+1:]
	}
	if rest == "" {
		return quarantined
	}
	return rest
}

// Quarantine moves src into the quarantine area under a timestamped name and
// returns the destination path.
func (m *Mover) Quarantine(src string) (string, error) {
	dst := filepath.Join(m.QuarantineDir, quarantineName(filepath.Base(src), time.Now()))
	if err := moveFile(src, dst); err != nil {
		return "", fmt.Errorf("quarantine %s: %w", src, err)
	}
	return dst, nil
}

// DeadLetter moves src into the dead-letter area and returns the destination.
func (m *Mover) DeadLetter(src string) (string, error) {
	dst := filepath.Join(m.DeadLetterDir, filepath.Base(src))
	if err := moveFile(src, dst); err != nil {
		return "", fmt.Errorf("dead-letter %s: %w", src, err)
	}
	return dst, nil
}

// Archive moves src to dst inside the archive tree, creating the directory
// hierarchy on the way.
func (m *Mover) Archive(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create archive dirs for %s: %w", dst, err)
	}
	if err := moveFile(src, dst); err != nil {
		return fmt.Errorf("archive %s: %w", src, err)
	}
	return nil
}

// ArchivePath builds the final destination for an invoice:
//
//	<root>/<ISSUER NAME> - <TAX_ID>/<KIND>/<YYYY>/<MM-YYYY>/<DD>/<filename>
//
// issuerName must already be canonical (see CanonicalIssuerName).
func ArchivePath(root, issuerName, taxID string, kind Kind, emission time.Time, filename string) string {
	return filepath.Join(
		root,
		fmt.Sprintf("%s - %s", issuerName, taxID),
		string(kind),
		fmt.Sprintf("%04d", emission.Year()),
		fmt.Sprintf("%02d-%04d", emission.Month(), emission.Year()),
		fmt.Sprintf("%02d", emission.Day()),
		filename,
	)
}

// moveFile renames src to dst, falling back to copy-then-delete across
// volumes. The fallback writes to a hidden temp name and renames it into
// place, so dst is never observable half-written.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	} else if !errors.Is(err, syscall.EXDEV) {
		return err
	}

	tmp := filepath.Join(filepath.Dir(dst), fmt.Sprintf(".%s.partial.%d", filepath.Base(dst), os.Getpid()))
	if err := copyFile(src, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
