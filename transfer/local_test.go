package transfer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgeml/mediaflow/types"
)

func TestLocal_DownloadsHTTPSource(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fake image bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	l, err := NewLocal(dir, "https://media.example", zap.NewNop())
	require.NoError(t, err)

	url, err := l.Transfer(context.Background(), srv.URL+"/img.jpg?sig=abc", "req-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "https://media.example/req-1/"))
	assert.True(t, strings.HasSuffix(url, ".jpg"), "signed query must not leak into the extension: %s", url)

	rel := strings.TrimPrefix(url, "https://media.example/")
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
	require.NoError(t, err)
	assert.Equal(t, "fake image bytes", string(data))
}

func TestLocal_WritesDataURI(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l, err := NewLocal(dir, "https://media.example", zap.NewNop())
	require.NoError(t, err)

	url, err := l.Transfer(context.Background(), "data:audio/mp3;base64,QUJD", "")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(url, ".mp3"))

	rel := strings.TrimPrefix(url, "https://media.example/")
	data, err := os.ReadFile(filepath.Join(dir, rel))
	require.NoError(t, err)
	assert.Equal(t, "ABC", string(data))
}

func TestLocal_SourceErrorIsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden) // expired signed URL
	}))
	defer srv.Close()

	l, err := NewLocal(t.TempDir(), "https://media.example", zap.NewNop())
	require.NoError(t, err)

	_, err = l.Transfer(context.Background(), srv.URL+"/gone.jpg", "")
	require.Error(t, err)
	assert.Equal(t, types.ErrS3UploadFailed, types.KindOf(err))
	assert.True(t, types.IsRetryable(err))
}

func TestNoop_PassesThrough(t *testing.T) {
	t.Parallel()

	url, err := Noop{}.Transfer(context.Background(), "https://signed.example/x.png", "p")
	require.NoError(t, err)
	assert.Equal(t, "https://signed.example/x.png", url)
}
