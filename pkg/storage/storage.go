// Package storage writes generated images to disk.
package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/prismcli/prism/pkg/models"
)

const maxSlugLen = 40

// Saver writes images into a directory.
type Saver struct {
	dir    string
	client *http.Client
	log    *zap.Logger
	now    func() time.Time
}

// New returns a Saver rooted at dir. A nil client uses http.DefaultClient.
func New(dir string, client *http.Client, log *zap.Logger) *Saver {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Saver{dir: dir, client: client, log: log, now: time.Now}
}

// Dir returns the output directory.
func (s *Saver) Dir() string { return s.dir }

// Save writes every image and returns their paths in input order. Files are
// named <timestamp>_<slug>_<n>.png where slug is derived from label; an
// existing file is never overwritten.
// Images carrying a URL instead of base64 data are downloaded concurrently.
func (s *Saver) Save(ctx context.Context, label string, images []models.Image) ([]string, error) {
	if len(images) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create save dir: %w", err)
	}

	stamp := s.now().Format("20060102_150405")
	slug := Slug(label)
	paths := make([]string, len(images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, img := range images {
		i, img := i, img
		paths[i] = filepath.Join(s.dir, fmt.Sprintf("%s_%s_%d.png", stamp, slug, i+1))
		g.Go(func() error {
			return s.write(gctx, &paths[i], img)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	s.log.Debug("saved images", zap.Int("count", len(paths)), zap.String("dir", s.dir))
	return paths, nil
}

// write stores img at *path. When *path already exists a numeric suffix is
// added and *path updated.
func (s *Saver) write(ctx context.Context, path *string, img models.Image) error {
	var src io.Reader
	switch {
	case img.B64JSON != "":
		data, err := base64.StdEncoding.DecodeString(img.B64JSON)
		if err != nil {
			return fmt.Errorf("decode image: %w", err)
		}
		src = bytes.NewReader(data)
	case img.URL != "":
		body, err := s.download(ctx, img.URL)
		if err != nil {
			return err
		}
		defer body.Close()
		src = body
	default:
		return fmt.Errorf("image has neither data nor url")
	}

	f, err := createUnique(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(*path)
		return fmt.Errorf("write image: %w", err)
	}
	return f.Close()
}

func (s *Saver) download(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download image: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func createUnique(path *string) (*os.File, error) {
	ext := filepath.Ext(*path)
	base := strings.TrimSuffix(*path, ext)
	candidate := *path
	for i := 2; ; i++ {
		f, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			*path = candidate
			return f, nil
		}
		if !errors.Is(err, fs.ErrExist) || i > 1000 {
			return nil, fmt.Errorf("create image file: %w", err)
		}
		candidate = fmt.Sprintf("%s-%d%s", base, i, ext)
	}
}

// Slug turns a prompt into a short filesystem-safe name.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if b.Len() >= maxSlugLen {
			break
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if out == "" {
		return "image"
	}
	return out
}
