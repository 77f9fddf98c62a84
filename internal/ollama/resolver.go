// Package ollama resolves model names against a local Ollama store so the
// CLI can load blobs Ollama has already pulled.
package ollama

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-bodkin/internal/logger"
)

const (
	DefaultTag     = "latest"
	MediaTypeModel = "application/vnd.ollama.image.model"
)

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// ModelsDir returns the Ollama model store root: OLLAMA_MODELS when set,
// ~/.ollama/models otherwise.
func ModelsDir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// ResolvePath maps a model name like "llama3", "llama3:latest" or
// "llama3:8b" to the weight blob path in the local store. Names without a
// registry are assumed to live under registry.ollama.ai/library.
func ResolvePath(name string) (string, error) {
	model, tag, found := strings.Cut(name, ":")
	if !found {
		tag = DefaultTag
	}

	baseDir, err := ModelsDir()
	if err != nil {
		return "", err
	}

	manifestPath := filepath.Join(baseDir, "manifests", "registry.ollama.ai", "library", model, tag)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", fmt.Errorf("model manifest not found at %s: %w", manifestPath, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("parse manifest %s: %w", manifestPath, err)
	}

	var digest string
	for _, l := range m.Layers {
		if l.MediaType == MediaTypeModel {
			digest = l.Digest
			break
		}
	}
	if digest == "" {
		return "", fmt.Errorf("no model layer in manifest %s", manifestPath)
	}

	// Blobs are stored as blobs/sha256-<hash>, digests read sha256:<hash>.
	blobPath := filepath.Join(baseDir, "blobs", strings.Replace(digest, ":", "-", 1))
	if _, err := os.Stat(blobPath); err != nil {
		return "", fmt.Errorf("model blob not found at %s: %w", blobPath, err)
	}

	logger.Log.Debug("resolved ollama model", "name", name, "blob", blobPath)
	return blobPath, nil
}
