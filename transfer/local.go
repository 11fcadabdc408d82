package transfer

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxArtifactBytes = 512 << 20 // 512 MiB

// Local stores artifacts on the local filesystem and serves them under
// a public base URL. Handles both https source URLs and inline data
// URIs.
type Local struct {
	dir     string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewLocal creates a filesystem-backed transferrer rooted at dir.
func NewLocal(dir, baseURL string, logger *zap.Logger) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 2 * time.Minute},
		logger:  logger,
	}, nil
}

// Transfer downloads the artifact and writes it under keyPrefix. The
// returned URL is stable for as long as the directory is served.
func (l *Local) Transfer(ctx context.Context, sourceURL, keyPrefix string) (string, error) {
	name := uuid.New().String() + extensionFor(sourceURL)
	if keyPrefix != "" {
		name = filepath.Join(keyPrefix, name)
	}
	dest := filepath.Join(l.dir, name)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", uploadError("create artifact subdir", err)
	}

	var err error
	if strings.HasPrefix(sourceURL, "data:") {
		err = l.writeDataURI(sourceURL, dest)
	} else {
		err = l.download(ctx, sourceURL, dest)
	}
	if err != nil {
		return "", err
	}

	l.logger.Debug("artifact transferred",
		zap.String("source", truncate(sourceURL, 80)),
		zap.String("dest", dest))
	return l.baseURL + "/" + filepath.ToSlash(name), nil
}

func (l *Local) download(ctx context.Context, sourceURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return uploadError("build artifact download request", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return uploadError("download artifact", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return uploadError(fmt.Sprintf("artifact source returned status %d", resp.StatusCode), nil)
	}

	f, err := os.Create(dest)
	if err != nil {
		return uploadError("create artifact file", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, io.LimitReader(resp.Body, maxArtifactBytes)); err != nil {
		os.Remove(dest)
		return uploadError("write artifact file", err)
	}
	return nil
}

func (l *Local) writeDataURI(uri, dest string) error {
	comma := strings.IndexByte(uri, ',')
	if comma < 0 {
		return uploadError("malformed data uri", nil)
	}
	payload, err := base64.StdEncoding.DecodeString(uri[comma+1:])
	if err != nil {
		return uploadError("decode data uri", err)
	}
	if err := os.WriteFile(dest, payload, 0o644); err != nil {
		return uploadError("write artifact file", err)
	}
	return nil
}

// extensionFor guesses a file extension from the source URL; artifacts
// without a recognizable one are stored bare.
func extensionFor(sourceURL string) string {
	if strings.HasPrefix(sourceURL, "data:") {
		switch {
		case strings.HasPrefix(sourceURL, "data:image/png"):
			return ".png"
		case strings.HasPrefix(sourceURL, "data:image/jpeg"):
			return ".jpg"
		case strings.HasPrefix(sourceURL, "data:audio/mp3"), strings.HasPrefix(sourceURL, "data:audio/mpeg"):
			return ".mp3"
		default:
			return ""
		}
	}
	trimmed := sourceURL
	if i := strings.IndexByte(trimmed, '?'); i >= 0 {
		trimmed = trimmed[:i]
	}
	ext := filepath.Ext(trimmed)
	if len(ext) > 5 {
		return ""
	}
	return ext
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Transferrer = (*Local)(nil)
