package update_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-edge-platform/cms-agent/internal/update"
	"github.com/open-edge-platform/cms-agent/internal/types"
)

func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0755,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestStageDownloadsVerifiesAndExtracts(t *testing.T) {
	archive := buildTarGz(t, map[string]string{"cms-agent": "fake-binary-contents"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	sum := sha256.Sum256(archive)
	checksum := hex.EncodeToString(sum[:])

	var downloadedFired bool
	pipeline := update.New(t.TempDir())
	binaryPath, err := pipeline.Stage(t.Context(), types.UpdateDescriptor{
		Version:     "1.2.3",
		DownloadURL: srv.URL,
		SHA256:      checksum,
	}, func() { downloadedFired = true })
	require.NoError(t, err)

	assert.True(t, downloadedFired)
	assert.Equal(t, "cms-agent", filepath.Base(binaryPath))
	data, err := os.ReadFile(binaryPath)
	require.NoError(t, err)
	assert.Equal(t, "fake-binary-contents", string(data))
}

func TestStageFailsOnChecksumMismatch(t *testing.T) {
	archive := buildTarGz(t, map[string]string{"cms-agent": "fake-binary-contents"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	stagingRoot := t.TempDir()
	pipeline := update.New(stagingRoot)
	var downloadedFired bool
	_, err := pipeline.Stage(t.Context(), types.UpdateDescriptor{
		Version:     "1.2.3",
		DownloadURL: srv.URL,
		SHA256:      "0000000000000000000000000000000000000000000000000000000000000",
	}, func() { downloadedFired = true })
	require.Error(t, err)

	assert.True(t, downloadedFired, "onDownloaded must fire before verification")
	assert.Equal(t, update.ReasonChecksumMismatch, update.FailureReason(err))
	assert.Equal(t, types.ErrUpdateChecksumMismatch, update.ErrorKindFor(err))

	_, statErr := os.Stat(filepath.Join(stagingRoot, "1.2.3", "package.tar.gz"))
	assert.True(t, os.IsNotExist(statErr), "mismatched package must be deleted")
}

func TestStageFailsOnDownloadError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	pipeline := update.New(t.TempDir())
	_, err := pipeline.Stage(t.Context(), types.UpdateDescriptor{
		Version:     "1.2.3",
		DownloadURL: srv.URL,
		SHA256:      "irrelevant",
	}, nil)
	require.Error(t, err)
	assert.Equal(t, update.ReasonDownloadFailed, update.FailureReason(err))
}
