package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Profile is the backend's view of an authenticated user.
type Profile struct {
	Username string `json:"username"`
	Fullname string `json:"fullname"`
	Initials string `json:"initials,omitempty"`
	Token    string `json:"token,omitempty"`
}

// CaptureResult is the outcome of one face-capture request. Success false
// with no embedding means no face was found in the image; that is a user
// problem, not a transport error.
type CaptureResult struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Embedding []float64 `json:"embedding"`
}

// APIError is a non-2xx response from the auth endpoints.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("auth: backend returned %d: %s", e.Status, e.Detail)
}

// Client is a thin HTTP client for the backend's face-auth endpoints.
type Client struct {
	base   string
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates an auth client against the backend base URL.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:   baseURL,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// CaptureFace submits one still image and returns the extracted face
// embedding, if any.
func (c *Client) CaptureFace(ctx context.Context, image []byte) (CaptureResult, error) {
	payload := map[string]string{
		"image_data": base64.StdEncoding.EncodeToString(image),
	}
	var result CaptureResult
	if err := c.post(ctx, "/api/auth/capture-face", payload, &result); err != nil {
		return CaptureResult{}, err
	}
	return result, nil
}

// Register creates or updates a user from averaged face embeddings.
func (c *Client) Register(ctx context.Context, username, fullname string, embeddings [][]float64) (Profile, error) {
	if username == "" || fullname == "" {
		return Profile{}, fmt.Errorf("auth: username and fullname are required")
	}
	if len(embeddings) == 0 {
		return Profile{}, fmt.Errorf("auth: at least one face embedding is required")
	}
	payload := map[string]any{
		"username":        username,
		"fullname":        fullname,
		"face_embeddings": embeddings,
	}
	var profile Profile
	if err := c.post(ctx, "/api/auth/register", payload, &profile); err != nil {
		return Profile{}, err
	}
	c.logger.Info("user registered", zap.String("username", profile.Username))
	return profile, nil
}

// Login matches face embeddings against registered users.
func (c *Client) Login(ctx context.Context, embeddings [][]float64) (Profile, error) {
	if len(embeddings) == 0 {
		return Profile{}, fmt.Errorf("auth: at least one face embedding is required")
	}
	payload := map[string]any{
		"face_embeddings": embeddings,
	}
	var profile Profile
	if err := c.post(ctx, "/api/auth/login", payload, &profile); err != nil {
		return Profile{}, err
	}
	c.logger.Info("user logged in", zap.String("username", profile.Username))
	return profile, nil
}

// TokenExpiresWithin reports whether the profile's session token lapses
// within d. Profiles without a token never expire locally.
func (p Profile) TokenExpiresWithin(d time.Duration) bool {
	if p.Token == "" {
		return false
	}
	expiry, err := TokenExpiry(p.Token)
	if err != nil {
		return false
	}
	return time.Until(expiry) < d
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("auth: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("auth: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("auth: %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("auth: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var detail struct {
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(data, &detail)
		return &APIError{Status: resp.StatusCode, Detail: detail.Detail}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("auth: decode response: %w", err)
		}
	}
	return nil
}
