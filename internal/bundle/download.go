package bundle

import (
	"context"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/opencontainers/go-digest"
)

type DownloadOptions struct {
	ID string
	// URL and Digest override the index entry when set.
	URL        string
	Digest     string
	IndexFile  string
	BundlesDir string
	HTTPClient *http.Client
	Stdout     io.Writer
}

// Download fetches a bundle archive, verifies its digest, extracts it into
// BundlesDir/<id> and validates the result.
func Download(ctx context.Context, opts DownloadOptions) (*Descriptor, error) {
	if opts.ID == "" {
		return nil, errors.New("bundle id is required")
	}
	if opts.BundlesDir == "" {
		return nil, errors.New("bundles dir is required")
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	bundleURL := strings.TrimSpace(opts.URL)
	rawDigest := strings.TrimSpace(opts.Digest)
	if bundleURL == "" {
		if opts.IndexFile == "" {
			return nil, errors.New("bundle URL is required (pass --url or configure an index file)")
		}
		idx, err := LoadIndex(opts.IndexFile)
		if err != nil {
			return nil, err
		}
		entry, err := idx.Entry(opts.ID)
		if err != nil {
			return nil, err
		}
		bundleURL = entry.URL
		if rawDigest == "" {
			rawDigest = entry.Digest
		}
		_, _ = fmt.Fprintf(opts.Stdout, "resolved bundle from index: id=%s url=%s\n", entry.ID, entry.URL)
	}

	expected, err := parseDigest(rawDigest)
	if err != nil {
		return nil, err
	}

	alg := digest.Canonical
	if expected != "" {
		alg = expected.Algorithm()
	}
	tmpArchive, actual, size, err := fetchArchive(ctx, opts.HTTPClient, bundleURL, alg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.Remove(tmpArchive) }()

	if expected != "" && expected != actual {
		return nil, fmt.Errorf("bundle digest mismatch: expected %s got %s", expected, actual)
	}
	_, _ = fmt.Fprintf(opts.Stdout, "downloaded %s (%s) %s\n", bundleURL, units.HumanSize(float64(size)), actual)

	outDir := filepath.Join(opts.BundlesDir, opts.ID)
	if err := os.RemoveAll(outDir); err != nil {
		return nil, fmt.Errorf("clear %s: %w", outDir, err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create bundle dir: %w", err)
	}
	if err := extractArchive(tmpArchive, bundleURL, outDir); err != nil {
		return nil, err
	}
	_, _ = fmt.Fprintf(opts.Stdout, "extracted bundle into %s\n", outDir)

	root, err := bundleRoot(outDir)
	if err != nil {
		return nil, err
	}
	d, err := FromLocation(root)
	if err != nil {
		return nil, err
	}
	if d.ID != opts.ID {
		return nil, malformed(d.Location, fmt.Sprintf("downloaded as %q but declares id %q", opts.ID, d.ID), nil)
	}
	_, _ = fmt.Fprintf(opts.Stdout, "verified bundle %s in %s\n", d.ID, d.Location)
	return d, nil
}

// parseDigest accepts "algo:hex" or a bare sha256 hex string. Empty means
// no verification.
func parseDigest(raw string) (digest.Digest, error) {
	raw = strings.ToLower(raw)
	if raw == "" {
		return "", nil
	}
	if !strings.Contains(raw, ":") {
		raw = string(digest.SHA256) + ":" + raw
	}
	d, err := digest.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid bundle digest %q: %w", raw, err)
	}
	return d, nil
}

func fetchArchive(ctx context.Context, client *http.Client, bundleURL string, alg digest.Algorithm) (string, digest.Digest, int64, error) {
	if !alg.Available() {
		alg = digest.Canonical
	}

	reader, err := openArchiveSource(ctx, client, bundleURL)
	if err != nil {
		return "", "", 0, err
	}
	defer func() { _ = reader.Close() }()

	tmpFile, err := os.CreateTemp("", "bundleinfer-archive-*")
	if err != nil {
		return "", "", 0, fmt.Errorf("create temp archive: %w", err)
	}
	tmpPath := tmpFile.Name()

	digester := alg.Digester()
	n, err := io.Copy(io.MultiWriter(tmpFile, digester.Hash()), reader)
	if err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return "", "", 0, fmt.Errorf("write temp archive: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", "", 0, fmt.Errorf("close temp archive: %w", err)
	}

	return tmpPath, digester.Digest(), n, nil
}

func openArchiveSource(ctx context.Context, client *http.Client, bundleURL string) (io.ReadCloser, error) {
	if strings.HasPrefix(bundleURL, "http://") || strings.HasPrefix(bundleURL, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, bundleURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build bundle request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("bundle download failed: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("bundle download failed: %s", resp.Status)
		}
		return resp.Body, nil
	}

	local := strings.TrimPrefix(bundleURL, "file://")
	fh, err := os.Open(local)
	if err != nil {
		return nil, fmt.Errorf("open local bundle %q: %w", local, err)
	}
	return fh, nil
}

// bundleRoot accepts archives with model.json at the top level or inside a
// single wrapping directory.
func bundleRoot(dir string) (string, error) {
	if _, err := os.Stat(filepath.Join(dir, InfoFile)); err == nil {
		return dir, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read extracted bundle: %w", err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		nested := filepath.Join(dir, entries[0].Name())
		if _, err := os.Stat(filepath.Join(nested, InfoFile)); err == nil {
			return nested, nil
		}
	}
	return "", &NotFoundError{Location: dir}
}
