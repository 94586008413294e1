package export

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
)

// Names inside the legacy image layout.
const (
	manifestFile     = "manifest.json"
	repositoriesFile = "repositories"
	versionFile      = "VERSION"
	layerJSONFile    = "json"
	layerTarFile     = "layer.tar"

	layerVersion = "1.0"
)

// manifestEntry is one element of manifest.json.
type manifestEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

type containerConfig struct {
	Cmd []string `json:"Cmd"`
}

// layerJSON is the per-layer metadata file.
type layerJSON struct {
	ID              string          `json:"id"`
	Parent          string          `json:"parent,omitempty"`
	Created         string          `json:"created"`
	ContainerConfig containerConfig `json:"container_config"`
	Architecture    string          `json:"architecture"`
	OS              string          `json:"os"`
}

// repositories maps image name to tag to config id.
type repositories map[string]map[string]string

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// linkOrCopy hard-links src to dst, copying when linking is not possible.
func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return copyFile(src, dst)
}

// copyFile copies src to dst byte for byte.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	srcFile, err := os.Open(src) //nolint:gosec // src is a cache path built from a validated digest
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst) //nolint:gosec // dst is inside the work directory
	if err != nil {
		return err
	}
	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		return err
	}
	return dstFile.Close()
}
