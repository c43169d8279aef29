package handlers

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

	"github.com/ternarybob/browsergate/internal/models"
)

const imageDownloadTimeout = 60 * time.Second

var mimeExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// materializeImages writes every image reference to a temp file so
// adapters can upload by path. Data URIs are decoded inline; http(s)
// URLs are fetched with a per-download budget. Already-written files are
// cleaned up when any reference fails.
func materializeImages(ctx context.Context, tempDir string, refs []string) ([]string, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, models.WrapGatewayError(models.ErrCodeInternalError, "cannot prepare temp dir for images", err)
	}

	var paths []string
	for i, ref := range refs {
		path, err := materializeOne(ctx, tempDir, ref)
		if err != nil {
			removeFiles(paths)
			return nil, models.WrapGatewayError(models.ErrCodeGenerationFailed,
				fmt.Sprintf("cannot load image %d", i+1), err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func materializeOne(ctx context.Context, tempDir, ref string) (string, error) {
	if strings.HasPrefix(ref, "data:") {
		return writeDataURI(tempDir, ref)
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return downloadImage(ctx, tempDir, ref)
	}
	return "", fmt.Errorf("unsupported image reference scheme")
}

// writeDataURI decodes data:<mime>;base64,<body> into a temp file.
func writeDataURI(tempDir, ref string) (string, error) {
	meta, body, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return "", fmt.Errorf("malformed data URI")
	}
	mime, _, _ := strings.Cut(meta, ";")
	if !strings.Contains(meta, "base64") {
		return "", fmt.Errorf("data URI must be base64 encoded")
	}

	ext, ok := mimeExtensions[mime]
	if !ok {
		return "", fmt.Errorf("unsupported image mime type %q", mime)
	}

	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("invalid base64 image payload: %w", err)
	}

	path := filepath.Join(tempDir, "img_"+uuid.NewString()+ext)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// downloadImage fetches a remote image within the download budget.
func downloadImage(ctx context.Context, tempDir, ref string) (string, error) {
	dctx, cancel := context.WithTimeout(ctx, imageDownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("image download returned HTTP %d", resp.StatusCode)
	}

	mime, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	ext, ok := mimeExtensions[strings.TrimSpace(mime)]
	if !ok {
		ext = filepath.Ext(ref)
		if _, known := map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true}[strings.ToLower(ext)]; !known {
			return "", fmt.Errorf("unsupported image content type %q", mime)
		}
	}

	path := filepath.Join(tempDir, "img_"+uuid.NewString()+ext)
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}
