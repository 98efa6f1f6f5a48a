package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// ErrMailboxNotFound reports that the backing document no longer exists
// (deleted or garbage-collected by the third party) and must be recreated.
var ErrMailboxNotFound = errors.New("rendezvous: mailbox document not found")

// Mailbox is the external document API the publisher writes through.
//
// Update replaces the full document body. Implementations that do not
// support partial updates are fine: the publisher round-trips unchanged
// slots itself.
type Mailbox interface {
	Update(ctx context.Context, id, body string) error
	Create(ctx context.Context, body string) (id string, err error)
}

// placeholderThumbnail is a 1x1 transparent PNG; the document API requires
// some image payload on every revision.
const placeholderThumbnail = "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVQYV2NgYAAAAAMAAWgmWQ0AAAAASUVORK5CYII="

// DocumentClient talks to the third-party program-hosting API that backs the
// mailbox document.
type DocumentClient struct {
	BaseURL    string
	Title      string
	AuthCookie string
	HTTPClient *http.Client
}

type documentRevision struct {
	Code     string   `json:"code"`
	Folds    []string `json:"folds"`
	ImageURL string   `json:"image_url"`
}

type createDocumentRequest struct {
	ContentType string           `json:"userAuthoredContentType"`
	Title       string           `json:"title"`
	Revision    documentRevision `json:"revision"`
}

type updateDocumentRequest struct {
	Width    int              `json:"width"`
	Height   int              `json:"height"`
	Title    string           `json:"title"`
	Revision documentRevision `json:"revision"`
}

type createDocumentResponse struct {
	ID json.Number `json:"id"`
}

func (c *DocumentClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *DocumentClient) do(ctx context.Context, method, url string, payload any) (*http.Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AuthCookie != "" {
		req.Header.Set("Cookie", c.AuthCookie)
	}
	return c.httpClient().Do(req)
}

func (c *DocumentClient) Update(ctx context.Context, id, body string) error {
	url := strings.TrimRight(c.BaseURL, "/") + "/scratchpads/" + id
	resp, err := c.do(ctx, http.MethodPut, url, updateDocumentRequest{
		Width:  600,
		Height: 600,
		Title:  c.Title,
		Revision: documentRevision{
			Code:     body,
			Folds:    []string{},
			ImageURL: placeholderThumbnail,
		},
	})
	if err != nil {
		return fmt.Errorf("rendezvous: update document %s: %w", id, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrMailboxNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("rendezvous: update document %s: status %d", id, resp.StatusCode)
	}
	return nil
}

func (c *DocumentClient) Create(ctx context.Context, body string) (string, error) {
	url := strings.TrimRight(c.BaseURL, "/") + "/scratchpads"
	resp, err := c.do(ctx, http.MethodPost, url, createDocumentRequest{
		ContentType: "pjs",
		Title:       c.Title,
		Revision: documentRevision{
			Code:     body,
			Folds:    []string{},
			ImageURL: placeholderThumbnail,
		},
	})
	if err != nil {
		return "", fmt.Errorf("rendezvous: create document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("rendezvous: create document: status %d", resp.StatusCode)
	}

	var out createDocumentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("rendezvous: decode create response: %w", err)
	}
	if out.ID.String() == "" {
		return "", fmt.Errorf("rendezvous: create response missing document id")
	}
	return out.ID.String(), nil
}

// FileIDStore persists the current mailbox document id across restarts.
type FileIDStore struct {
	Path string
}

func (s *FileIDStore) Load() (string, error) {
	raw, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func (s *FileIDStore) Store(id string) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.Path, []byte(id+"\n"), 0o644)
}
