// Package api provides the HTTP client for the video-sharing API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MacJediWizard/minitube/internal/auth"
	"github.com/rs/zerolog"
)

// Client is an HTTP client for the video-sharing API. A bearer token is
// attached to every request when the token provider has an identity.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     auth.TokenProvider
	logger     zerolog.Logger
}

// NewClient creates a new API client. httpClient may be nil to use
// http.DefaultClient and tokens may be nil for anonymous access.
func NewClient(baseURL string, httpClient *http.Client, tokens auth.TokenProvider, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		tokens:     tokens,
		logger:     logger.With().Str("component", "api_client").Logger(),
	}
}

// User is the public profile embedded in comments and videos.
type User struct {
	ID        string `json:"ID,omitempty"`
	Username  string `json:"Username"`
	AvatarURL string `json:"AvatarURL,omitempty"`
}

// Comment is a comment record as returned by the snapshot endpoint and
// pushed over the live channel.
type Comment struct {
	ID        int64     `json:"ID"`
	UserID    string    `json:"UserID"`
	VideoID   string    `json:"VideoID"`
	Message   string    `json:"Message"`
	CreatedAt time.Time `json:"CreatedAt"`
	User      User      `json:"User"`
}

// DisplayName returns the author's username, or "User" when the record
// carries none.
func (c Comment) DisplayName() string {
	if c.User.Username != "" {
		return c.User.Username
	}
	return "User"
}

// Video is a durable video record.
type Video struct {
	ID          string    `json:"ID"`
	UserID      string    `json:"UserID"`
	Title       string    `json:"Title"`
	Description string    `json:"Description"`
	ObjectName  string    `json:"ObjectName"`
	Summary     string    `json:"Summary,omitempty"`
	Views       int64     `json:"Views"`
	CreatedAt   time.Time `json:"CreatedAt"`
	User        User      `json:"User"`
}

// UploadTarget is a one-time, pre-authorized storage destination.
type UploadTarget struct {
	UploadURL  string `json:"uploadUrl"`
	ObjectName string `json:"objectName"`
}

// FinalizeRequest registers an uploaded object as a video.
type FinalizeRequest struct {
	ObjectName  string `json:"objectName"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// VideoUpload is the multipart body for CreateVideo.
type VideoUpload struct {
	Title       string
	Description string
	FileName    string
	ContentType string
	Body        io.Reader
}

// ListComments retrieves the comment snapshot for a video.
func (c *Client) ListComments(ctx context.Context, videoID string) ([]Comment, error) {
	var comments []Comment
	path := "/v1/videos/" + url.PathEscape(videoID) + "/comments"
	if err := c.get(ctx, path, &comments); err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	return comments, nil
}

// CreateComment posts a new comment. The server echoes the created record
// over the live channel.
func (c *Client) CreateComment(ctx context.Context, videoID, message string) (*Comment, error) {
	req := struct {
		VideoID string `json:"video_id"`
		Message string `json:"message"`
	}{VideoID: videoID, Message: message}

	var comment Comment
	if err := c.post(ctx, "/v1/comments", req, &comment); err != nil {
		return nil, fmt.Errorf("create comment: %w", err)
	}
	return &comment, nil
}

// InitiateUpload requests a one-time upload target for a file.
func (c *Client) InitiateUpload(ctx context.Context, fileName, fileType string) (*UploadTarget, error) {
	req := struct {
		FileName string `json:"fileName"`
		FileType string `json:"fileType"`
	}{FileName: fileName, FileType: fileType}

	var target UploadTarget
	if err := c.post(ctx, "/v1/videos/initiate-upload", req, &target); err != nil {
		return nil, fmt.Errorf("initiate upload: %w", err)
	}
	if target.UploadURL == "" || target.ObjectName == "" {
		return nil, errors.New("initiate upload: response missing uploadUrl or objectName")
	}
	return &target, nil
}

// FinalizeUpload creates the video record for an uploaded object.
func (c *Client) FinalizeUpload(ctx context.Context, req FinalizeRequest) (*Video, error) {
	var video Video
	if err := c.post(ctx, "/v1/videos/finalize-upload", req, &video); err != nil {
		return nil, fmt.Errorf("finalize upload: %w", err)
	}
	return &video, nil
}

// CreateVideo uploads the file and its metadata in a single multipart request.
func (c *Client) CreateVideo(ctx context.Context, upload VideoUpload) (*Video, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeVideoForm(mw, upload))
	}()

	var video Video
	err := c.do(ctx, http.MethodPost, "/v1/videos", pr, mw.FormDataContentType(), &video)
	// Unblock the writer if the request ended before consuming the body.
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return nil, fmt.Errorf("create video: %w", err)
	}
	return &video, nil
}

func writeVideoForm(mw *multipart.Writer, upload VideoUpload) error {
	if err := mw.WriteField("title", upload.Title); err != nil {
		return err
	}
	if err := mw.WriteField("description", upload.Description); err != nil {
		return err
	}

	contentType := upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="video"; filename=%q`, upload.FileName)}
	header["Content-Type"] = []string{contentType}

	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, upload.Body); err != nil {
		return fmt.Errorf("copy video: %w", err)
	}
	return mw.Close()
}

// Health checks that the API is reachable.
func (c *Client) Health(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, "", nil); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.do(ctx, http.MethodGet, path, nil, "", result)
}

func (c *Client) post(ctx context.Context, path string, payload, result any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(data), "application/json", result)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	limit := int64(maxResponseBytes)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		limit = maxErrorBytes
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("api request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseError(resp, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.tokens == nil {
		return nil
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrNoIdentity) {
			return nil
		}
		return fmt.Errorf("resolve token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
