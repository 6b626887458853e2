// Package update implements the agent-side half of the update pipeline:
// download the new version's package (over HTTPS, or from an OCI registry
// when the descriptor's URL carries an oci:// scheme, mirroring node-agent/
// cmd/status-service.ProbeEndpoint's oras.land/oras-go/v2 branch), verify
// its checksum, stage it under a version-scoped directory, and hand off to
// the out-of-process updater binary. The download/verify/install split
// follows platform-update-agent/internal/downloader and
// internal/installer's separation of concerns.
package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/file"
	"oras.land/oras-go/v2/registry/remote"

	"github.com/open-edge-platform/cms-agent/internal/logger"
	"github.com/open-edge-platform/cms-agent/internal/types"
)

var log = logger.New("update", "")

// Reason strings surfaced on update_failed wire events, distinguishing which
// stage of the pipeline failed.
const (
	ReasonDownloadFailed   = "download_failed"
	ReasonChecksumMismatch = "checksum_mismatch"
	ReasonExtractionFailed = "extraction_failed"
	ReasonUnknown          = "unknown"
)

var (
	errDownloadFailed   = errors.New(string(types.ErrUpdateDownloadFailed))
	errChecksumMismatch = errors.New(string(types.ErrUpdateChecksumMismatch))
	errExtractionFailed = errors.New(string(types.ErrUpdateExtractionFailed))
)

// FailureReason classifies an error returned by Stage into the reason string
// reported on the update_failed wire event.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, errChecksumMismatch):
		return ReasonChecksumMismatch
	case errors.Is(err, errExtractionFailed):
		return ReasonExtractionFailed
	case errors.Is(err, errDownloadFailed):
		return ReasonDownloadFailed
	default:
		return ReasonUnknown
	}
}

// ErrorKindFor maps a Stage failure to the error-report kind it should be
// filed under.
func ErrorKindFor(err error) types.ErrorKind {
	switch {
	case errors.Is(err, errChecksumMismatch):
		return types.ErrUpdateChecksumMismatch
	case errors.Is(err, errExtractionFailed):
		return types.ErrUpdateExtractionFailed
	default:
		return types.ErrUpdateDownloadFailed
	}
}

// Pipeline drives download, verification, and staging of a new agent
// version ahead of handoff to the updater process.
type Pipeline struct {
	stagingRoot string
	httpClient  *http.Client
}

// New builds a Pipeline that stages downloads under stagingRoot.
func New(stagingRoot string) *Pipeline {
	return &Pipeline{
		stagingRoot: stagingRoot,
		httpClient:  &http.Client{},
	}
}

// Stage downloads, verifies, and extracts the described update package,
// returning the path to the staged agent binary. onDownloaded, if non-nil,
// fires once the archive has landed on disk but before it is verified, so
// the caller can emit an update_downloaded notification ahead of a possible
// checksum or extraction failure.
func (p *Pipeline) Stage(ctx context.Context, desc types.UpdateDescriptor, onDownloaded func()) (string, error) {
	versionDir := filepath.Join(p.stagingRoot, desc.Version)
	if err := os.MkdirAll(versionDir, 0750); err != nil {
		return "", fmt.Errorf("%w: create staging directory: %w", errDownloadFailed, err)
	}

	archivePath := filepath.Join(versionDir, "package.tar.gz")

	var err error
	if strings.HasPrefix(desc.DownloadURL, "oci://") {
		err = p.downloadOCI(ctx, desc.DownloadURL, archivePath)
	} else {
		err = p.downloadHTTP(ctx, desc.DownloadURL, archivePath)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", errDownloadFailed, err)
	}

	if onDownloaded != nil {
		onDownloaded()
	}

	if err := verifyChecksum(archivePath, desc.SHA256); err != nil {
		if rmErr := os.Remove(archivePath); rmErr != nil && !os.IsNotExist(rmErr) {
			log.WithError(rmErr).Warn("failed removing package after checksum mismatch")
		}
		return "", fmt.Errorf("%w: %w", errChecksumMismatch, err)
	}

	binaryPath, err := extract(archivePath, versionDir)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errExtractionFailed, err)
	}

	log.WithField("version", desc.Version).Info("update package staged")
	return binaryPath, nil
}

func (p *Pipeline) downloadHTTP(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s downloading package", resp.Status)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("write downloaded package: %w", err)
	}
	return nil
}

// downloadOCI fetches the package from an OCI registry, following the same
// oras.land/oras-go/v2 repository+fetch idiom used for reachability probes
// elsewhere in the pack, but copying the full blob to disk instead of
// discarding it.
func (p *Pipeline) downloadOCI(ctx context.Context, ociURL, dest string) error {
	reference := strings.TrimPrefix(ociURL, "oci://")

	repo, err := remote.NewRepository(reference)
	if err != nil {
		return fmt.Errorf("open oci repository: %w", err)
	}

	tag := "latest"
	if idx := strings.LastIndex(reference, ":"); idx != -1 {
		tag = reference[idx+1:]
	}

	store, err := file.New(filepath.Dir(dest))
	if err != nil {
		return fmt.Errorf("open oci file store: %w", err)
	}
	defer store.Close()

	_, err = oras.Copy(ctx, repo, tag, store, tag, oras.DefaultCopyOptions)
	if err != nil {
		return fmt.Errorf("copy oci artifact: %w", err)
	}
	return nil
}

func verifyChecksum(path, expected string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open package for verification: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return fmt.Errorf("hash package: %w", err)
	}

	actual := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(actual, expected) {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}

// extract unpacks the staged archive and returns the path to the new agent
// binary within it. Archive layout is a flat tarball containing a single
// "cms-agent" executable.
func extract(archivePath, destDir string) (string, error) {
	if err := untar(archivePath, destDir); err != nil {
		return "", err
	}
	binaryPath := filepath.Join(destDir, "cms-agent")
	if _, err := os.Stat(binaryPath); err != nil {
		return "", fmt.Errorf("staged package missing cms-agent binary: %w", err)
	}
	return binaryPath, nil
}
