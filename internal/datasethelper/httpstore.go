package datasethelper

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/net/http2"

	"github.com/bids-batch/bidsbatch/internal/bidsmodel"
)

// httpStore talks to a generic content-addressed dataset store over its
// HTTP API: GET /manifest/{unit} for a unit's structure-only view and
// POST /manifest/{unit} to push derivatives back, both wrapped in
// go-retryablehttp the same way the teacher's API client wraps its REST
// calls (internal/api/client.go: retryablehttp.NewClient with a bounded
// RetryMax and exponential backoff).
type httpStore struct {
	base   string
	client *retryablehttp.Client
}

func newHTTPStore(base string) (Store, error) {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 5
	rc.RetryWaitMin = 1 * time.Second
	rc.RetryWaitMax = 15 * time.Second
	rc.Logger = nil
	// Force HTTP/2 on the underlying transport the way the teacher's
	// CreateOptimizedClient does for its own large-transfer HTTP client
	// (internal/http/client.go: tr.ForceAttemptHTTP2 + http2.ConfigureTransport),
	// since manifest fetch/push bodies here are tarred directory trees, not
	// small API requests.
	if tr, ok := rc.HTTPClient.Transport.(*http.Transport); ok {
		tr.ForceAttemptHTTP2 = true
		_ = http2.ConfigureTransport(tr)
	}
	return &httpStore{base: strings.TrimSuffix(base, "/"), client: rc}, nil
}

func (s *httpStore) Name() string { return "http" }

// Get downloads a tar stream of unit's structure-only view and extracts it
// into scratchDir. The wire format (tar over HTTP) is the simplest shape
// that covers "a directory tree of files" without inventing a bespoke
// container format for a collaborator this core does not own the schema of.
func (s *httpStore) Get(ctx context.Context, unit bidsmodel.Unit, scratchDir string) error {
	url := fmt.Sprintf("%s/manifest/%s", s.base, unit.ID())
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("datasethelper: cannot build request for %s: %w", unit, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("datasethelper: http get failed for %s: %w", unit, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("datasethelper: http get for %s returned status %d", unit, resp.StatusCode)
	}

	return extractTar(resp.Body, scratchDir)
}

// Save tars scratchDir's regular files and POSTs the stream back.
func (s *httpStore) Save(ctx context.Context, unit bidsmodel.Unit, scratchDir string) error {
	var buf bytes.Buffer
	if err := writeTar(&buf, scratchDir); err != nil {
		return fmt.Errorf("datasethelper: cannot tar %s for %s: %w", scratchDir, unit, err)
	}

	url := fmt.Sprintf("%s/manifest/%s", s.base, unit.ID())
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, buf.Bytes())
	if err != nil {
		return fmt.Errorf("datasethelper: cannot build request for %s: %w", unit, err)
	}
	req.Header.Set("Content-Type", "application/x-tar")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("datasethelper: http post failed for %s: %w", unit, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("datasethelper: http post for %s returned status %d", unit, resp.StatusCode)
	}
	return nil
}

func writeTar(w io.Writer, root string) error {
	tw := tar.NewWriter(w)
	defer tw.Close()

	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

func extractTar(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("datasethelper: corrupt tar stream: %w", err)
		}
		target := filepath.Join(dest, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("datasethelper: tar entry escapes destination: %s", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.Create(target)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
	}
}
