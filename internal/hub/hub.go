// Package hub is a minimal Hugging Face Hub client: it lists the files of a
// model repository and downloads them.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// DefaultBaseURL is the public hub endpoint.
const DefaultBaseURL = "https://huggingface.co"

// ErrNotFound is returned when a repo or file does not exist, or is gated
// and no token was given.
var ErrNotFound = errors.New("hub: not found")

// Client talks to the hub over HTTP.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	Log     zerolog.Logger
}

// New returns a client for the public hub using token when non-empty.
func New(token string) *Client {
	return &Client{BaseURL: DefaultBaseURL, Token: token, HTTP: &http.Client{}, Log: zerolog.Nop()}
}

func (c *Client) base() string {
	if c.BaseURL == "" {
		return DefaultBaseURL
	}
	return strings.TrimRight(c.BaseURL, "/")
}

func (c *Client) client() *http.Client {
	if c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}

func (c *Client) newRequest(ctx context.Context, u string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("User-Agent", "medlens")
	return req, nil
}

func escapeRepo(repo string) string {
	parts := strings.Split(repo, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// ListFiles returns the file names in repo.
func (c *Client) ListFiles(ctx context.Context, repo string) ([]string, error) {
	if strings.TrimSpace(repo) == "" {
		return nil, errors.New("hub: empty repo id")
	}
	req, err := c.newRequest(ctx, c.base()+"/api/models/"+escapeRepo(repo))
	if err != nil {
		return nil, err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("hub: list %s: %w", repo, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("hub: read %s: %w", repo, err)
	}
	if err := statusError(resp, body); err != nil {
		return nil, fmt.Errorf("list %s: %w", repo, err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("hub: list %s: invalid JSON", repo)
	}
	var files []string
	gjson.GetBytes(body, "siblings.#.rfilename").ForEach(func(_, v gjson.Result) bool {
		files = append(files, v.String())
		return true
	})
	return files, nil
}

// Download fetches file from repo into dstDir, keeping its relative path.
// The file is written under a .part name and renamed when complete.
func (c *Client) Download(ctx context.Context, repo, file, dstDir string) (string, error) {
	dst := filepath.Join(dstDir, filepath.FromSlash(file))
	if !strings.HasPrefix(dst, filepath.Clean(dstDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("hub: refusing path outside destination: %s", file)
	}
	req, err := c.newRequest(ctx, c.base()+"/"+escapeRepo(repo)+"/resolve/main/"+escapeRepo(file))
	if err != nil {
		return "", err
	}
	start := time.Now()
	resp, err := c.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("hub: download %s/%s: %w", repo, file, err)
	}
	defer resp.Body.Close()
	if err := statusError(resp, nil); err != nil {
		return "", fmt.Errorf("download %s/%s: %w", repo, file, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	part := dst + ".part"
	f, err := os.Create(part)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(part)
		return "", fmt.Errorf("hub: write %s: %w", file, err)
	}
	if err := os.Rename(part, dst); err != nil {
		_ = os.Remove(part)
		return "", err
	}
	c.Log.Info().Str("repo", repo).Str("file", file).Int64("bytes", n).Dur("dur", time.Since(start)).Msg("downloaded")
	return dst, nil
}

func statusError(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w (%s)", ErrNotFound, resp.Status)
	}
	if body == nil {
		body, _ = io.ReadAll(io.LimitReader(resp.Body, 4096))
	}
	if msg := gjson.GetBytes(body, "error").String(); msg != "" {
		return fmt.Errorf("hub: %s: %s", resp.Status, msg)
	}
	return fmt.Errorf("hub: %s", resp.Status)
}
