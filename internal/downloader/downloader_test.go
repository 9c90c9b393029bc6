package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownload(t *testing.T) {
	content := []byte("lungs are clear")
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/file.txt" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, "file.txt")
	var lastDownloaded int64
	m := New().MaxParallel(2).WithAuthToken("secret")
	err := m.Download(context.Background(), srv.URL+"/file.txt", target, func(downloaded, total int64) {
		lastDownloaded = downloaded
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, int64(len(content)), lastDownloaded)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	err = m.Download(context.Background(), srv.URL+"/missing", filepath.Join(dir, "missing"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestFetchJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "org/model", "siblings": [{"rfilename": "config.json"}]}`))
	}))
	defer srv.Close()

	var info struct {
		ID       string `json:"id"`
		Siblings []struct {
			Name string `json:"rfilename"`
		} `json:"siblings"`
	}
	require.NoError(t, New().FetchJSON(context.Background(), srv.URL, &info))
	assert.Equal(t, "org/model", info.ID)
	require.Len(t, info.Siblings, 1)
	assert.Equal(t, "config.json", info.Siblings[0].Name)
}

func TestDownloadCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := New().MaxParallel(1)
	// Fill the only slot so acquire has to wait on the cancelled context.
	require.NoError(t, m.acquire(context.Background()))
	defer m.release()
	err := m.Download(ctx, "http://127.0.0.1:1/never", filepath.Join(t.TempDir(), "x"), nil)
	require.ErrorIs(t, err, context.Canceled)
}
