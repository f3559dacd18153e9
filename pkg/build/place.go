// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package build

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/offspot/image-creator/pkg/buildkind"
	"github.com/offspot/image-creator/pkg/recipe"
)

// dockerAreaDirName is the mounted data partition's OCI storage area,
// spec.md §4.E step 6's "image's Docker storage area". original_source
// calls the equivalent directory "images/" and stores tarballs there
// directly (see DESIGN.md's pkg/content entry); this core stores the
// already-extracted layer trees instead, so it gets its own name to
// avoid implying tarball contents.
const dockerAreaDirName = "docker-area"

// populate copies the two staging trees fetchAndPlace built under
// BuildDir -- plain file placements and extracted OCI images -- onto the
// mounted data partition, then writes the opaque Offspot/WriteConfig
// blobs spec.md §3 hands through unexamined. Grounded on
// original_source's FilesProcessor/DownloadingOCIImages steps, which
// copy their own staged results into the mount point one artifact at a
// time; this does the same work as two tree copies, since Component E
// already staged everything at its final relative path.
func populate(buildDir, mountPoint string, r *recipe.Recipe) error {
	dataDir := filepath.Join(buildDir, "data")
	if _, err := os.Stat(dataDir); err == nil {
		if err := copyTree(dataDir, mountPoint); err != nil {
			return fmt.Errorf("%w: placing files onto data partition: %s", buildkind.ELayout, err)
		}
	}

	dockerArea := filepath.Join(buildDir, "docker-area")
	if _, err := os.Stat(dockerArea); err == nil {
		if err := copyTree(dockerArea, filepath.Join(mountPoint, dockerAreaDirName)); err != nil {
			return fmt.Errorf("%w: placing OCI images onto data partition: %s", buildkind.ELayout, err)
		}
	}

	if err := writeConfigBlob(mountPoint, "offspot.json", r.Offspot); err != nil {
		return err
	}
	if err := writeConfigBlob(mountPoint, "write_config.json", r.WriteConfig); err != nil {
		return err
	}
	return nil
}

// writeConfigBlob writes data verbatim to name under mountPoint, doing
// nothing when data is empty -- both Offspot and WriteConfig are
// optional per spec.md §3.
func writeConfigBlob(mountPoint, name string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	path := filepath.Join(mountPoint, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing %s: %s", buildkind.ELayout, path, err)
	}
	return nil
}

// copyTree copies every regular file under src to the same
// relative path under dst, creating directories as needed.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyRegularFile(path, target)
	})
}

func copyRegularFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
