package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SandboxClient talks to the execution-environment service that hosts agent
// workspaces.
type SandboxClient interface {
	CreateSandbox(ctx context.Context, projectID uuid.UUID) (string, error)
	UploadFile(ctx context.Context, sandboxID, filePath string, content []byte) error
	ListFiles(ctx context.Context, sandboxID, dir string) ([]string, error)
	DeleteSandbox(ctx context.Context, sandboxID string) error
}

type sandboxClient struct {
	base   string
	apiKey string
	http   *http.Client
	log    *zap.Logger
}

func NewSandboxClient(baseURL, apiKey string, log *zap.Logger) SandboxClient {
	return &sandboxClient{
		base:   baseURL,
		apiKey: apiKey,
		http:   &http.Client{Timeout: 30 * time.Second},
		log:    log.Named("sandbox_client"),
	}
}

func (c *sandboxClient) newRequest(ctx context.Context, method, p string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+p, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build sandbox request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	return req, nil
}

func (c *sandboxClient) CreateSandbox(ctx context.Context, projectID uuid.UUID) (string, error) {
	body, _ := json.Marshal(map[string]string{"project_id": projectID.String()})
	req, err := c.newRequest(ctx, http.MethodPost, "/sandboxes", body)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("create sandbox: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("sandbox creation returned HTTP %d", resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode sandbox response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("sandbox response missing id")
	}
	return out.ID, nil
}

func (c *sandboxClient) UploadFile(ctx context.Context, sandboxID, filePath string, content []byte) error {
	body, err := json.Marshal(map[string]any{
		"path":    filePath,
		"content": content,
	})
	if err != nil {
		return fmt.Errorf("marshal upload: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, fmt.Sprintf("/sandboxes/%s/files", sandboxID), body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sandbox upload returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *sandboxClient) ListFiles(ctx context.Context, sandboxID, dir string) ([]string, error) {
	p := fmt.Sprintf("/sandboxes/%s/files?dir=%s", sandboxID, url.QueryEscape(dir))
	req, err := c.newRequest(ctx, http.MethodGet, p, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list sandbox files: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sandbox listing returned HTTP %d", resp.StatusCode)
	}
	var out struct {
		Files []string `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode sandbox listing: %w", err)
	}
	return out.Files, nil
}

func (c *sandboxClient) DeleteSandbox(ctx context.Context, sandboxID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/sandboxes/"+sandboxID, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete sandbox: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("sandbox delete returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// VerifyUpload confirms a just-uploaded file shows up in its directory
// listing. Uploads occasionally ack before the file lands; the listing is
// the source of truth.
func VerifyUpload(ctx context.Context, c SandboxClient, sandboxID, filePath string) error {
	dir := path.Dir(filePath)
	files, err := c.ListFiles(ctx, sandboxID, dir)
	if err != nil {
		return err
	}
	name := path.Base(filePath)
	for _, f := range files {
		if path.Base(f) == name {
			return nil
		}
	}
	return fmt.Errorf("uploaded file %s missing from sandbox listing", filePath)
}
