package bundle

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// extractArchive unpacks path into outDir, picking the format from name
// (usually the source URL) and falling back to sniffing both.
func extractArchive(path, name, outDir string) error {
	base := strings.ToLower(name)
	switch {
	case strings.HasSuffix(base, ".zip"):
		return extractZip(path, outDir)
	case strings.HasSuffix(base, ".tar.gz"), strings.HasSuffix(base, ".tgz"):
		return extractTarGz(path, outDir)
	}

	if err := extractZip(path, outDir); err == nil {
		return nil
	}
	if err := extractTarGz(path, outDir); err == nil {
		return nil
	}
	return fmt.Errorf("unsupported bundle archive %s (expected .zip or .tar.gz/.tgz)", name)
}

func extractZip(path, outDir string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open zip archive: %w", err)
	}
	defer func() { _ = zr.Close() }()

	for _, f := range zr.File {
		target, err := safeExtractPath(outDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
			continue
		}

		src, err := f.Open()
		if err != nil {
			return fmt.Errorf("open zip entry %s: %w", f.Name, err)
		}
		err = writeFile(target, src)
		_ = src.Close()
		if err != nil {
			return fmt.Errorf("extract zip entry %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractTarGz(path, outDir string) error {
	fh, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open tar.gz archive: %w", err)
	}
	defer func() { _ = fh.Close() }()

	gz, err := gzip.NewReader(fh)
	if err != nil {
		return fmt.Errorf("open gzip reader: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target, err := safeExtractPath(outDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr); err != nil {
				return fmt.Errorf("extract tar entry %s: %w", hdr.Name, err)
			}
		default:
			// links and devices are not part of a bundle
		}
	}
}

func writeFile(target string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(target)
	if err != nil {
		return err
	}
	//nolint:gosec // archive is digest-verified before extraction.
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

func safeExtractPath(baseDir, entryName string) (string, error) {
	cleaned := filepath.Clean(strings.TrimPrefix(entryName, "/"))
	target := filepath.Join(baseDir, cleaned)

	base := filepath.Clean(baseDir) + string(os.PathSeparator)
	if !strings.HasPrefix(filepath.Clean(target)+string(os.PathSeparator), base) {
		return "", fmt.Errorf("unsafe archive path traversal attempt: %q", entryName)
	}
	return target, nil
}
