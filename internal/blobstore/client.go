package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"keygate/internal/config"
)

// Entry describes one file returned by a folder listing
type Entry struct {
	Name string
	Path string
}

// Client is a thin adapter over the backend blob API. Every operation
// acquires a bearer token from the token cache first; a token failure
// surfaces as *AuthError.
type Client struct {
	cfg        config.BackendConfig
	tokens     *TokenCache
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a blob store client backed by the given token cache
func NewClient(cfg config.BackendConfig, tokens *TokenCache, logger *slog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logger.With(slog.String("component", "blobstore")),
	}
}

// Download fetches the blob at path. Returns *NotFoundError when the
// backend reports the path missing and *RequestError for other failures.
func (c *Client) Download(ctx context.Context, path string) ([]byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ContentBase+"/2/files/download", nil)
	if err != nil {
		return nil, &RequestError{Op: "download", Path: path, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Dropbox-API-Arg", apiArg(map[string]any{"path": path}))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RequestError{Op: "download", Path: path, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &RequestError{Op: "download", Path: path, Err: err}
		}
		return data, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusConflict:
		// The API reports missing paths as a 409 path lookup conflict.
		return nil, &NotFoundError{Path: path}
	default:
		return nil, &RequestError{Op: "download", Path: path, Status: resp.StatusCode}
	}
}

// Upload writes data to path, overwriting any existing blob. Returns
// *WriteError on failure.
func (c *Client) Upload(ctx context.Context, path string, data []byte) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ContentBase+"/2/files/upload", bytes.NewReader(data))
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Dropbox-API-Arg", apiArg(map[string]any{"path": path, "mode": "overwrite"}))
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &WriteError{Path: path, Err: fmt.Errorf("backend returned status %d", resp.StatusCode)}
	}

	c.logger.DebugContext(ctx, "blob uploaded",
		slog.String("path", path),
		slog.Int("bytes", len(data)))

	return nil
}

// List returns the files directly under folder, or all files below it
// when recursive is set. Returns *ListError on failure.
func (c *Client) List(ctx context.Context, folder string, recursive bool) ([]Entry, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	body := map[string]any{"path": folder, "recursive": recursive}
	endpoint := c.cfg.APIBase + "/2/files/list_folder"

	for {
		var page struct {
			Entries []struct {
				Tag  string `json:".tag"`
				Name string `json:"name"`
				Path string `json:"path_display"`
			} `json:"entries"`
			Cursor  string `json:"cursor"`
			HasMore bool   `json:"has_more"`
		}

		if err := c.postJSON(ctx, token, endpoint, body, &page); err != nil {
			return nil, &ListError{Folder: folder, Err: err}
		}

		for _, e := range page.Entries {
			if e.Tag != "file" {
				continue
			}
			entries = append(entries, Entry{Name: e.Name, Path: e.Path})
		}

		if !page.HasMore {
			return entries, nil
		}
		endpoint = c.cfg.APIBase + "/2/files/list_folder/continue"
		body = map[string]any{"cursor": page.Cursor}
	}
}

// TemporaryLink mints a short-lived download URL for path. Best-effort
// per entry: callers drop the entry on failure rather than aborting the
// listing.
func (c *Client) TemporaryLink(ctx context.Context, path string) (string, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", err
	}

	var result struct {
		Link string `json:"link"`
	}
	if err := c.postJSON(ctx, token, c.cfg.APIBase+"/2/files/get_temporary_link", map[string]any{"path": path}, &result); err != nil {
		return "", &RequestError{Op: "temporary_link", Path: path, Err: err}
	}
	if result.Link == "" {
		return "", &RequestError{Op: "temporary_link", Path: path, Err: fmt.Errorf("backend returned no link")}
	}

	return result.Link, nil
}

// postJSON performs an authorized JSON-in/JSON-out call against the RPC
// side of the backend API.
func (c *Client) postJSON(ctx context.Context, token, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("backend returned status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// apiArg serializes header arguments for the content endpoints
func apiArg(v map[string]any) string {
	data, _ := json.Marshal(v)
	return string(data)
}
