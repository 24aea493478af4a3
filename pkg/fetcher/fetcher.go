package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/gcforged/pylot/pkg/system"
)

// Fetcher resolves a configured model path: local paths pass through, http(s)
// URLs are downloaded into the model cache directory, content-addressed by
// their URL basename. Downloads are atomic (temp file + rename) and skipped
// when the file already exists.
type Fetcher struct {
	cacheDir string
	client   *retryablehttp.Client
}

func New(cacheDir string, retries int) *Fetcher {
	return &Fetcher{
		cacheDir: cacheDir,
		client:   system.NewRetryClient(retries, false),
	}
}

// IsRemote reports whether the model path needs fetching.
func IsRemote(modelPath string) bool {
	return strings.HasPrefix(modelPath, "http://") || strings.HasPrefix(modelPath, "https://")
}

// Resolve returns the local file path for modelPath, downloading first when
// it is a URL.
func (f *Fetcher) Resolve(ctx context.Context, modelPath string) (string, error) {
	if !IsRemote(modelPath) {
		return modelPath, nil
	}

	parsed, err := url.Parse(modelPath)
	if err != nil {
		return "", fmt.Errorf("parsing model URL %s: %w", modelPath, err)
	}
	basename := path.Base(parsed.Path)
	if basename == "" || basename == "/" || basename == "." {
		return "", fmt.Errorf("model URL %s has no usable file name", modelPath)
	}
	local := filepath.Join(f.cacheDir, basename)

	if info, err := os.Stat(local); err == nil && info.Size() > 0 {
		log.Info().Str("path", local).Str("size", humanize.Bytes(uint64(info.Size()))).Msg("model already cached")
		return local, nil
	}

	if err := os.MkdirAll(f.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("creating model cache dir %s: %w", f.cacheDir, err)
	}

	log.Info().Str("url", modelPath).Str("dest", local).Msg("downloading model")
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", modelPath, nil)
	if err != nil {
		return "", fmt.Errorf("building model download request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading model %s: %w", modelPath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return "", fmt.Errorf("downloading model %s: upstream returned %d", modelPath, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(f.cacheDir, ".download-*.gguf")
	if err != nil {
		return "", fmt.Errorf("creating temp download file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	written, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing model download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing model download: %w", err)
	}
	if err := os.Rename(tmpName, local); err != nil {
		return "", fmt.Errorf("moving model into cache: %w", err)
	}

	log.Info().Str("path", local).Str("size", humanize.Bytes(uint64(written))).Msg("model downloaded")
	return local, nil
}
