package handlers

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngPayload = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func pngDataURI() string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngPayload)
}

func TestMaterializeDataURI(t *testing.T) {
	dir := t.TempDir()
	paths, err := materializeImages(context.Background(), dir, []string{pngDataURI()})
	require.NoError(t, err)
	require.Len(t, paths, 1)

	assert.Equal(t, ".png", filepath.Ext(paths[0]))
	raw, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, pngPayload, raw)
}

func TestMaterializeRejectsUnsupportedMime(t *testing.T) {
	dir := t.TempDir()
	uri := "data:image/tiff;base64," + base64.StdEncoding.EncodeToString(pngPayload)

	_, err := materializeImages(context.Background(), dir, []string{uri})
	require.Error(t, err)
}

func TestMaterializeRejectsMalformedDataURI(t *testing.T) {
	dir := t.TempDir()
	_, err := materializeImages(context.Background(), dir, []string{"data:image/png;base64"})
	require.Error(t, err)
}

func TestMaterializeRejectsUnknownScheme(t *testing.T) {
	dir := t.TempDir()
	_, err := materializeImages(context.Background(), dir, []string{"ftp://example.com/a.png"})
	require.Error(t, err)
}

func TestMaterializeCleansUpOnFailure(t *testing.T) {
	dir := t.TempDir()
	_, err := materializeImages(context.Background(), dir, []string{pngDataURI(), "data:bad"})
	require.Error(t, err)

	entries, rerr := os.ReadDir(dir)
	require.NoError(t, rerr)
	assert.Empty(t, entries)
}

func TestMaterializeDownloadsRemoteImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngPayload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	paths, err := materializeImages(context.Background(), dir, []string{srv.URL + "/pic"})
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.True(t, strings.HasSuffix(paths[0], ".png"))
}

func TestMaterializeRemoteFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	_, err := materializeImages(context.Background(), dir, []string{srv.URL + "/pic"})
	require.Error(t, err)
}
