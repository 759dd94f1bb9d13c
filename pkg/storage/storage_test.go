package storage

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismcli/prism/pkg/models"
)

func fixedSaver(t *testing.T, client *http.Client) *Saver {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "out"), client, nil)
	s.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return s
}

func TestSaveBase64(t *testing.T) {
	s := fixedSaver(t, nil)
	images := []models.Image{
		{B64JSON: base64.StdEncoding.EncodeToString([]byte("one"))},
		{B64JSON: base64.StdEncoding.EncodeToString([]byte("two"))},
	}

	paths, err := s.Save(context.Background(), "A Red Fox!", images)
	require.NoError(t, err)
	require.Len(t, paths, 2)

	assert.Equal(t, filepath.Join(s.Dir(), "20260102_030405_a-red-fox_1.png"), paths[0])
	data, err := os.ReadFile(paths[1])
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestSaveDownloadsURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	s := fixedSaver(t, srv.Client())
	paths, err := s.Save(context.Background(), "fox", []models.Image{{URL: srv.URL + "/img.png"}})
	require.NoError(t, err)
	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	_, err = s.Save(context.Background(), "fox", []models.Image{{URL: srv.URL + "/missing"}})
	assert.Error(t, err)
}

func TestSaveRejectsEmptyImage(t *testing.T) {
	s := fixedSaver(t, nil)
	_, err := s.Save(context.Background(), "x", []models.Image{{}})
	assert.Error(t, err)

	_, err = s.Save(context.Background(), "x", []models.Image{{B64JSON: "not base64!"}})
	assert.Error(t, err)
}

func TestSaveNothing(t *testing.T) {
	s := fixedSaver(t, nil)
	paths, err := s.Save(context.Background(), "x", nil)
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestSlug(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"A cat in a hat", "a-cat-in-a-hat"},
		{"  --hello,   world--  ", "hello-world"},
		{"日本語", "image"},
		{"", "image"},
		{"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
	}
	for _, tt := range tests {
		if got := Slug(tt.in); got != tt.want {
			t.Errorf("Slug(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSaveNeverOverwrites(t *testing.T) {
	s := fixedSaver(t, nil)
	img := []models.Image{{B64JSON: base64.StdEncoding.EncodeToString([]byte("first"))}}

	first, err := s.Save(context.Background(), "fox", img)
	require.NoError(t, err)
	img[0].B64JSON = base64.StdEncoding.EncodeToString([]byte("second"))
	second, err := s.Save(context.Background(), "fox", img)
	require.NoError(t, err)

	assert.NotEqual(t, first[0], second[0])
	assert.Equal(t, filepath.Join(s.Dir(), "20260102_030405_fox_1-2.png"), second[0])
	data, err := os.ReadFile(first[0])
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}
