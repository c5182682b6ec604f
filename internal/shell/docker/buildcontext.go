package docker

import (
	"archive/tar"
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
)

// BuildContext tars dir for an image build, honoring its .dockerignore.
// The Dockerfile and .dockerignore are always included.
func BuildContext(dir string) (*bytes.Buffer, error) {
	patterns, err := readIgnore(dir)
	if err != nil {
		return nil, NewDockerError("BuildContext", "", "", "read .dockerignore", ErrBuildContext)
	}
	pm, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, NewDockerError("BuildContext", "", "", "invalid .dockerignore: "+err.Error(), ErrBuildContext)
	}

	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel != "Dockerfile" && rel != ".dockerignore" {
			skip, err := pm.MatchesOrParentMatches(rel)
			if err != nil {
				return err
			}
			if skip {
				if d.IsDir() && !pm.Exclusions() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, NewDockerError("BuildContext", "", "", err.Error(), ErrBuildContext)
	}
	if err := tw.Close(); err != nil {
		return nil, NewDockerError("BuildContext", "", "", err.Error(), ErrBuildContext)
	}
	return buf, nil
}

func readIgnore(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, ".dockerignore"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ignorefile.ReadAll(f)
}
