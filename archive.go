// archive.go: extension archive layout and entry extraction
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
)

// Archive entry names. Matching is case-insensitive on the entry's base name.
const (
	// ManifestEntry holds the manifest document.
	ManifestEntry = "manifest.json"

	// ModuleEntry holds the extension's Lua module source.
	ModuleEntry = "module.lua"

	// ModuleBundleEntry is a nested zip container holding ModuleEntry.
	ModuleBundleEntry = "plugin.module.zip"

	// maxEntrySize bounds any single decompressed entry.
	maxEntrySize = 64 << 20
)

// archiveContents is what the loader needs from an archive.
type archiveContents struct {
	manifestRaw []byte
	module      []byte
	moduleFrom  string // entry the module was read from
}

// readManifestEntry returns the manifest document of the archive at archivePath.
func readManifestEntry(archivePath string) ([]byte, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, NewStorageFailureError("open archive", err).WithContext("archive_path", archivePath)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if entryIs(f.Name, ManifestEntry) {
			data, err := readZipFile(f)
			if err != nil {
				return nil, NewStorageFailureError("read manifest entry", err).WithContext("archive_path", archivePath)
			}
			return data, nil
		}
	}
	return nil, NewManifestMissingError(archivePath)
}

// readArchive extracts the manifest and the module. The scan stops as soon as
// both have been found.
func readArchive(archivePath string) (*archiveContents, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, NewStorageFailureError("open archive", err).WithContext("archive_path", archivePath)
	}
	defer zr.Close()

	out := &archiveContents{}
	for _, f := range zr.File {
		if out.manifestRaw != nil && out.module != nil {
			break
		}
		if f.FileInfo().IsDir() {
			continue
		}
		switch {
		case out.manifestRaw == nil && entryIs(f.Name, ManifestEntry):
			data, err := readZipFile(f)
			if err != nil {
				return nil, NewStorageFailureError("read manifest entry", err).WithContext("archive_path", archivePath)
			}
			out.manifestRaw = data
		case out.module == nil && entryIs(f.Name, ModuleEntry):
			data, err := readZipFile(f)
			if err != nil {
				return nil, NewStorageFailureError("read module entry", err).WithContext("archive_path", archivePath)
			}
			out.module = data
			out.moduleFrom = f.Name
		case out.module == nil && entryIs(f.Name, ModuleBundleEntry):
			bundle, err := readZipFile(f)
			if err != nil {
				return nil, NewStorageFailureError("read module bundle", err).WithContext("archive_path", archivePath)
			}
			module, err := moduleFromBundle(bundle)
			if err != nil {
				return nil, NewStorageFailureError("open module bundle", err).WithContext("archive_path", archivePath)
			}
			if module != nil {
				out.module = module
				out.moduleFrom = f.Name + "!/" + ModuleEntry
			}
		}
	}

	if out.manifestRaw == nil {
		return nil, NewManifestMissingError(archivePath)
	}
	if out.module == nil {
		return nil, NewModuleMissingError(archivePath)
	}
	return out, nil
}

// moduleFromBundle returns the module entry of a nested container, or nil if it has none.
func moduleFromBundle(bundle []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(bundle), int64(len(bundle)))
	if err != nil {
		return nil, err
	}
	for _, f := range zr.File {
		if !f.FileInfo().IsDir() && entryIs(f.Name, ModuleEntry) {
			return readZipFile(f)
		}
	}
	return nil, nil
}

func entryIs(entryName, want string) bool {
	return strings.EqualFold(path.Base(entryName), want)
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxEntrySize {
		return nil, fmt.Errorf("entry %s exceeds %d bytes", f.Name, maxEntrySize)
	}
	return data, nil
}
