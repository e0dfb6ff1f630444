// installer.go: archive installation, batch install and uninstall
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/agilira/go-timecache"
	"golang.org/x/sync/errgroup"
)

// InstallOutcome describes what Install did.
type InstallOutcome string

// Install outcomes.
const (
	OutcomeInstalled   InstallOutcome = "installed"
	OutcomeReplaced    InstallOutcome = "replaced"
	OutcomeVersionNoop InstallOutcome = "version_noop"
	OutcomeFailed      InstallOutcome = "failed"
)

// InstallResult reports a successful install or a version no-op.
type InstallResult struct {
	Name             string
	Version          string
	PreviousVersion  string
	RequestedVersion string
	Outcome          InstallOutcome
	ContentHash      string
	ArchivePath      string
}

// NoopError returns a VersionNoop error for a skipped install and nil otherwise.
// Callers that treat an already-current extension as a failure can use it.
func (r *InstallResult) NoopError() error {
	if r == nil || r.Outcome != OutcomeVersionNoop {
		return nil
	}
	return NewVersionNoopError(r.Name, r.Version, r.RequestedVersion)
}

// BatchItem is the result for one source of a batch install.
type BatchItem struct {
	Source string
	Result *InstallResult
	Err    error
}

// BatchReport collects per-item results in input order.
type BatchReport struct {
	Items []BatchItem
}

// Succeeded returns the number of items that installed or were already current.
func (r BatchReport) Succeeded() int {
	n := 0
	for _, it := range r.Items {
		if it.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the number of items that failed.
func (r BatchReport) Failed() int {
	return len(r.Items) - r.Succeeded()
}

// InstallerConfig configures an Installer.
type InstallerConfig struct {
	Logger  Logger
	Metrics *Metrics
	Audit   AuditSink

	// BatchConcurrency bounds parallel archive reads in batch installs.
	// Registry and filesystem mutation is always serialized by the gate.
	BatchConcurrency int
}

// Installer copies archives into durable storage and records them in the registry.
type Installer struct {
	root       string
	registry   Registry
	gate       Gate
	logger     Logger
	metrics    *Metrics
	audit      AuditSink
	batchLimit int
}

// NewInstaller creates an installer storing archives under root.
func NewInstaller(root string, registry Registry, gate Gate, cfg InstallerConfig) *Installer {
	logger := cfg.Logger
	if logger == nil {
		logger = DefaultLogger()
	}
	limit := cfg.BatchConcurrency
	if limit <= 0 {
		limit = 4
	}
	return &Installer{
		root:       root,
		registry:   registry,
		gate:       gate,
		logger:     logger.With("component", "installer"),
		metrics:    cfg.Metrics,
		audit:      cfg.Audit,
		batchLimit: limit,
	}
}

// Root returns the durable archive directory.
func (in *Installer) Root() string {
	return in.root
}

// ArchivePath returns where the archive for name is stored.
func (in *Installer) ArchivePath(name string) string {
	return filepath.Join(in.root, name, name+".zip")
}

// Install validates the archive at src and installs it unless the registry
// already holds the same or a newer version.
func (in *Installer) Install(ctx context.Context, src string) (*InstallResult, error) {
	raw, err := readManifestEntry(src)
	if err != nil {
		in.fail(src, err)
		return nil, err
	}
	m, err := ParseManifest(raw)
	if err != nil {
		in.fail(src, err)
		return nil, err
	}

	var res *InstallResult
	err = in.gate.Exclusive(ctx, func(ctx context.Context, _ SlotControl) error {
		var err error
		res, err = in.installLocked(ctx, src, m)
		return err
	})
	if err != nil {
		in.fail(src, err)
		return nil, err
	}
	in.metrics.install(res.Outcome)
	return res, nil
}

func (in *Installer) installLocked(ctx context.Context, src string, m *Manifest) (*InstallResult, error) {
	existing, err := in.registry.GetByName(ctx, m.Name)
	if err != nil {
		return nil, err
	}

	// Versions compare as plain strings, so "10" sorts before "9".
	if existing != nil && existing.Version >= m.Version {
		in.logger.Info("Extension already installed",
			"extension", m.Name,
			"installed_version", existing.Version,
			"incoming_version", m.Version)
		return &InstallResult{
			Name:             m.Name,
			Version:          existing.Version,
			PreviousVersion:  existing.Version,
			RequestedVersion: m.Version,
			Outcome:          OutcomeVersionNoop,
			ContentHash:      existing.ContentHash,
			ArchivePath:      existing.ArchivePath,
		}, nil
	}

	dst := in.ArchivePath(m.Name)
	if err := copyArchive(src, dst); err != nil {
		return nil, err
	}
	hash, err := fileSHA256(dst)
	if err != nil {
		return nil, NewStorageFailureError("hash archive", err).WithContext("archive_path", dst)
	}

	rec := Record{
		Name:           m.Name,
		Description:    m.Description,
		ManifestRaw:    m.Raw,
		ArchivePath:    dst,
		MainEntryPoint: m.MainEntryPoint,
		Version:        m.Version,
		Tools:          cloneTools(m.Tools),
		ContentHash:    hash,
		InstalledAt:    timecache.CachedTime(),
	}
	if err := in.registry.Upsert(ctx, rec); err != nil {
		return nil, err
	}

	res := &InstallResult{
		Name:             m.Name,
		Version:          m.Version,
		RequestedVersion: m.Version,
		Outcome:          OutcomeInstalled,
		ContentHash:      hash,
		ArchivePath:      dst,
	}
	if existing != nil {
		res.Outcome = OutcomeReplaced
		res.PreviousVersion = existing.Version
	}
	in.logger.Info("Extension installed",
		"extension", m.Name,
		"version", m.Version,
		"outcome", string(res.Outcome),
		"content_hash", hash)
	in.auditEvent("extension_installed", map[string]any{
		"extension":        m.Name,
		"version":          m.Version,
		"previous_version": res.PreviousVersion,
		"content_hash":     hash,
	})
	return res, nil
}

// InstallFromPaths installs each archive. A failing item is logged and
// reported without stopping the rest of the batch.
func (in *Installer) InstallFromPaths(ctx context.Context, paths []string) BatchReport {
	return in.batch(ctx, paths, in.Install)
}

// InstallFromAssets installs archives bundled in fsys, such as an embed.FS.
func (in *Installer) InstallFromAssets(ctx context.Context, fsys fs.FS, names []string) BatchReport {
	return in.batch(ctx, names, func(ctx context.Context, name string) (*InstallResult, error) {
		staged, err := in.stageAsset(fsys, name)
		if err != nil {
			in.fail(name, err)
			return nil, err
		}
		defer func() { _ = os.Remove(staged) }()
		return in.Install(ctx, staged)
	})
}

func (in *Installer) batch(ctx context.Context, sources []string, install func(context.Context, string) (*InstallResult, error)) BatchReport {
	report := BatchReport{Items: make([]BatchItem, len(sources))}
	var g errgroup.Group
	g.SetLimit(in.batchLimit)
	for i, src := range sources {
		g.Go(func() error {
			item := BatchItem{Source: src}
			func() {
				defer recoverInto(&item.Err, "install "+src)
				item.Result, item.Err = install(ctx, src)
			}()
			report.Items[i] = item
			return nil
		})
	}
	_ = g.Wait()

	in.logger.Info("Batch install finished",
		"total", len(sources),
		"succeeded", report.Succeeded(),
		"failed", report.Failed())
	return report
}

// stageAsset copies a bundled asset to a temporary file so it can be opened as a zip.
func (in *Installer) stageAsset(fsys fs.FS, name string) (string, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return "", NewStorageFailureError("open bundled asset", err).WithContext("asset", name)
	}
	defer f.Close()

	if err := os.MkdirAll(in.root, 0750); err != nil {
		return "", NewStorageFailureError("create install root", err)
	}
	tmp, err := os.CreateTemp(in.root, ".asset-*.zip")
	if err != nil {
		return "", NewStorageFailureError("stage bundled asset", err)
	}
	if _, err := io.Copy(tmp, f); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", NewStorageFailureError("stage bundled asset", err).WithContext("asset", name)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", NewStorageFailureError("stage bundled asset", err)
	}
	return tmp.Name(), nil
}

// Uninstall removes name from the registry and deletes its durable files.
// A running instance of name is stopped first. Unknown names are a no-op.
func (in *Installer) Uninstall(ctx context.Context, name string) error {
	if err := validateExtensionName(name); err != nil {
		return err
	}
	return in.gate.Exclusive(ctx, func(ctx context.Context, slot SlotControl) error {
		rec, err := in.registry.GetByName(ctx, name)
		if err != nil {
			return err
		}
		if slot.ActiveName() == name {
			slot.StopActive("uninstalled")
		}
		if rec == nil {
			in.logger.Debug("Uninstall of unknown extension ignored", "extension", name)
			return nil
		}
		if err := in.removeFiles(name); err != nil {
			return err
		}
		if err := in.registry.DeleteByName(ctx, name); err != nil {
			return err
		}
		in.metrics.uninstall()
		in.auditEvent("extension_uninstalled", map[string]any{"extension": name, "version": rec.Version})
		in.logger.Info("Extension uninstalled", "extension", name, "version", rec.Version)
		return nil
	})
}

// ClearAll stops the running extension and removes every installed extension.
func (in *Installer) ClearAll(ctx context.Context) error {
	return in.gate.Exclusive(ctx, func(ctx context.Context, slot SlotControl) error {
		slot.StopActive("registry cleared")
		recs, err := in.registry.List(ctx)
		if err != nil {
			return err
		}
		for _, r := range recs {
			if err := in.removeFiles(r.Name); err != nil {
				return err
			}
		}
		if err := in.registry.DeleteAll(ctx); err != nil {
			return err
		}
		in.auditEvent("registry_cleared", map[string]any{"removed": len(recs)})
		in.logger.Info("All extensions removed", "count", len(recs))
		return nil
	})
}

func (in *Installer) removeFiles(name string) error {
	dir := filepath.Join(in.root, name)
	if err := os.RemoveAll(dir); err != nil {
		return NewStorageFailureError("remove extension files", err).WithContext("path", dir)
	}
	return nil
}

func (in *Installer) fail(src string, err error) {
	in.metrics.install(OutcomeFailed)
	in.logger.Error("Extension install failed", "source", src, "code", ErrorCodeOf(err), "error", err)
}

func (in *Installer) auditEvent(event string, fields map[string]any) {
	if in.audit != nil {
		in.audit.Record(event, fields)
	}
}

// copyArchive writes src to dst through a temporary file in dst's directory,
// so a reader never observes a partially written archive.
func copyArchive(src, dst string) error {
	same, err := samePath(src, dst)
	if err != nil {
		return err
	}
	if same {
		return nil
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return NewStorageFailureError("create extension directory", err).WithContext("path", dir)
	}

	in, err := os.Open(filepath.Clean(src)) // #nosec G304 - caller-supplied archive
	if err != nil {
		return NewStorageFailureError("open archive", err).WithContext("archive_path", src)
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(dir, ".install-*")
	if err != nil {
		return NewStorageFailureError("create temporary archive", err).WithContext("path", dir)
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		cleanup()
		return NewStorageFailureError("copy archive", err).WithContext("archive_path", src)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return NewStorageFailureError("sync archive", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return NewStorageFailureError("close archive", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		cleanup()
		return NewStorageFailureError("move archive into place", err).WithContext("path", dst)
	}
	return nil
}

func samePath(a, b string) (bool, error) {
	sa, err := os.Stat(a)
	if err != nil {
		return false, NewStorageFailureError("stat archive", err).WithContext("archive_path", a)
	}
	sb, err := os.Stat(b)
	if err != nil {
		return false, nil
	}
	return os.SameFile(sa, sb), nil
}

// fileSHA256 returns the hex sha256 of the file at path.
func fileSHA256(path string) (string, error) {
	f, err := os.Open(filepath.Clean(path)) // #nosec G304 - path is under the install root
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
