// Package archive installs and removes precompiled binary archives.
//
// Every extracted archive leaves a manifest behind listing the files it wrote,
// so the next update can remove exactly those files before installing a newer
// archive of the same kind.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zip"

	"github.com/schaermu/wsyncd/internal/progress"
	"github.com/schaermu/wsyncd/internal/vcs"
)

// ManifestExt is appended to the archive kind to name its manifest
const ManifestExt = ".zipmanifest"

// Manifest lists the files extracted from one archive
type Manifest struct {
	Source string  `json:"source"`
	Files  []Entry `json:"files"`
}

// Entry is one extracted file, relative to the workspace root
type Entry struct {
	Path string `json:"path"`
	Size uint64 `json:"size"`
}

// ManifestDir returns where manifests live for the selected target file
func ManifestDir(selectedLocalFile string) string {
	dir := filepath.Dir(selectedLocalFile)
	if strings.EqualFold(filepath.Ext(selectedLocalFile), ".uproject") {
		return filepath.Join(dir, "Saved", "wsyncd")
	}
	return filepath.Join(dir, "Engine", "Saved", "wsyncd")
}

// Installer applies archive changes to a workspace
type Installer struct {
	client      vcs.Client
	logger      *slog.Logger
	progress    *progress.Progress
	localRoot   string
	manifestDir string
}

// NewInstaller creates an Installer extracting under localRoot
func NewInstaller(client vcs.Client, logger *slog.Logger, p *progress.Progress, localRoot, manifestDir string) *Installer {
	return &Installer{
		client:      client,
		logger:      logger,
		progress:    p,
		localRoot:   localRoot,
		manifestDir: manifestDir,
	}
}

// Apply processes every archive kind in name order. Files from a previous
// extraction of a kind are removed first; a nil source leaves the kind
// uninstalled.
func (i *Installer) Apply(ctx context.Context, sources map[string]*string) error {
	if err := os.MkdirAll(i.manifestDir, 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	kinds := make([]string, 0, len(sources))
	for kind := range sources {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		if err := ctx.Err(); err != nil {
			return err
		}

		manifestPath := filepath.Join(i.manifestDir, kind+ManifestExt)
		if _, err := os.Stat(manifestPath); err == nil {
			i.logger.Info("removing binaries", "kind", kind)
			i.progress.Set(fmt.Sprintf("Removing %s binaries...", kind), 0)
			if err := i.Remove(manifestPath); err != nil {
				return err
			}
		}

		source := sources[kind]
		if source == nil {
			continue
		}
		if err := i.install(ctx, kind, *source, manifestPath); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes every file listed in the manifest, then the manifest
func (i *Installer) Remove(manifestPath string) error {
	m, err := ReadManifest(manifestPath)
	if err != nil {
		return err
	}

	for n, entry := range m.Files {
		target := filepath.Join(i.localRoot, filepath.FromSlash(entry.Path))
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			// Binaries may be in use; keep going so the rest are removed
			i.logger.Warn("failed to remove extracted file", "path", target, "error", err)
		}
		i.progress.SetFraction(float32(n+1) / float32(len(m.Files)))
	}

	if err := os.Remove(manifestPath); err != nil {
		return fmt.Errorf("failed to delete manifest %s: %w", manifestPath, err)
	}
	return nil
}

func (i *Installer) install(ctx context.Context, kind, source, manifestPath string) error {
	i.logger.Info("syncing binaries", "kind", kind, "source", source)
	i.progress.Set(fmt.Sprintf("Syncing %s binaries...", strings.ToLower(kind)), 0)

	tmp, err := os.CreateTemp("", ".wsyncd-archive-*.zip")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if err := i.client.PrintToFile(ctx, source, tmpPath); err != nil {
		return fmt.Errorf("couldn't read %s: %w", source, err)
	}
	info, err := os.Stat(tmpPath)
	if err != nil {
		return fmt.Errorf("couldn't read %s: %w", source, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("couldn't read %s: archive is empty", source)
	}
	i.logger.Info("downloaded archive", "kind", kind, "size", humanize.Bytes(uint64(info.Size())))

	m, err := i.Extract(ctx, tmpPath)
	if m != nil {
		m.Source = source
	}
	if err != nil {
		// Whatever was written must stay removable by the next run
		if m != nil && len(m.Files) > 0 {
			if werr := WriteManifest(manifestPath, m); werr != nil {
				i.logger.Warn("failed to record partially extracted files", "kind", kind, "error", werr)
			}
		}
		return err
	}
	return WriteManifest(manifestPath, m)
}

// Extract unpacks the zip at path under the workspace root and returns the
// manifest of what was written. On failure the manifest still lists every
// entry written so far.
func (i *Installer) Extract(ctx context.Context, path string) (*Manifest, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() {
		_ = r.Close()
	}()

	var total uint64
	for _, f := range r.File {
		total += f.UncompressedSize64
	}

	m := &Manifest{}
	var written uint64
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return m, err
		}
		if f.FileInfo().IsDir() {
			continue
		}

		target, err := i.target(f.Name)
		if err != nil {
			return m, err
		}
		// Listed before writing so a partial file is still removable
		rel := filepath.ToSlash(strings.TrimPrefix(target, i.localRoot+string(filepath.Separator)))
		m.Files = append(m.Files, Entry{Path: rel, Size: f.UncompressedSize64})

		if err := extractFile(f, target); err != nil {
			return m, fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}

		written += f.UncompressedSize64
		if total > 0 {
			i.progress.SetFraction(float32(written) / float32(total))
		}
	}

	i.logger.Info("extracted archive", "files", len(m.Files), "size", humanize.Bytes(written))
	return m, nil
}

// target maps an archive entry name onto the workspace, refusing entries that
// would escape it
func (i *Installer) target(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes the workspace", name)
	}
	return filepath.Join(i.localRoot, clean), nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	// Extracted files replace read-only synced copies
	if info, err := os.Lstat(target); err == nil && info.Mode().Perm()&0200 == 0 {
		_ = os.Chmod(target, info.Mode().Perm()|0200)
	}

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close()
	}()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0644
	}
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode|0200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

// ReadManifest loads a manifest file
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// WriteManifest stores a manifest next to its siblings
func WriteManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// Installed lists the kinds that currently have a manifest
func Installed(manifestDir string) ([]string, error) {
	entries, err := os.ReadDir(manifestDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var kinds []string
	for _, e := range entries {
		if kind, ok := strings.CutSuffix(e.Name(), ManifestExt); ok && !e.IsDir() {
			kinds = append(kinds, kind)
		}
	}
	return kinds, nil
}
