package devserver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MacJediWizard/minitube/internal/api"
	"github.com/MacJediWizard/minitube/internal/auth"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func clientFor(ts *httptest.Server, token string) *api.Client {
	return api.NewClient(ts.URL, ts.Client(), auth.NewStatic(token), zerolog.Nop())
}

func TestServer_Health(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	require.NoError(t, clientFor(ts, "").Health(context.Background()))
}

func TestServer_Comments(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	ctx := context.Background()
	alice := clientFor(ts, "alice")

	first, err := alice.CreateComment(ctx, "v1", "first")
	require.NoError(t, err)
	second, err := alice.CreateComment(ctx, "v1", "second")
	require.NoError(t, err)
	_, err = alice.CreateComment(ctx, "v2", "elsewhere")
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, "alice", first.User.Username)
	assert.Greater(t, second.ID, first.ID)

	got, err := clientFor(ts, "").ListComments(ctx, "v1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Message, "snapshot is oldest first")
	assert.Equal(t, "second", got[1].Message)

	empty, err := alice.ListComments(ctx, "nothing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestServer_CommentRequiresAuth(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	_, err := clientFor(ts, "").CreateComment(context.Background(), "v1", "hi")
	apiErr, ok := api.AsError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestServer_CommentValidation(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	_, err := clientFor(ts, "alice").CreateComment(context.Background(), "v1", "   ")
	apiErr, ok := api.AsError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestServer_JWTSecret(t *testing.T) {
	secret := []byte("dev-secret")
	_, ts := newTestServer(t, Config{JWTSecret: secret})

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(secret)
	require.NoError(t, err)

	comment, err := clientFor(ts, signed).CreateComment(context.Background(), "v1", "signed")
	require.NoError(t, err)
	assert.Equal(t, "user-42", comment.UserID)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("other"))
	require.NoError(t, err)

	_, err = clientFor(ts, forged).CreateComment(context.Background(), "v1", "forged")
	apiErr, ok := api.AsError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	_, err = clientFor(ts, "plain-token").CreateComment(context.Background(), "v1", "opaque")
	apiErr, ok = api.AsError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestServer_SignedUploadFlow(t *testing.T) {
	srv, ts := newTestServer(t, Config{})
	ctx := context.Background()
	alice := clientFor(ts, "alice")

	target, err := alice.InitiateUpload(ctx, "intro.mp4", "video/mp4")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(target.UploadURL, ts.URL+"/storage/videos/alice/"), target.UploadURL)
	assert.Contains(t, target.UploadURL, "sig=")
	assert.Equal(t, -1, srv.ObjectSize(target.ObjectName))

	// Finalizing before the bytes arrive is rejected.
	_, err = alice.FinalizeUpload(ctx, api.FinalizeRequest{ObjectName: target.ObjectName, Title: "t", Description: "d"})
	apiErr, ok := api.AsError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	put := func(url, contentType string) int {
		req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader([]byte("video-bytes")))
		require.NoError(t, err)
		req.Header.Set("Content-Type", contentType)
		resp, err := ts.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusForbidden, put(target.UploadURL, "video/quicktime"), "content type is bound to the target")
	assert.Equal(t, http.StatusForbidden, put(strings.Replace(target.UploadURL, "sig=", "sig=x", 1), "video/mp4"))
	assert.Equal(t, http.StatusOK, put(target.UploadURL, "video/mp4"))
	assert.Equal(t, len("video-bytes"), srv.ObjectSize(target.ObjectName))

	// Another user cannot claim the object.
	_, err = clientFor(ts, "mallory").FinalizeUpload(ctx, api.FinalizeRequest{ObjectName: target.ObjectName, Title: "t", Description: "d"})
	_, ok = api.AsError(err)
	require.True(t, ok, "got %v", err)

	video, err := alice.FinalizeUpload(ctx, api.FinalizeRequest{ObjectName: target.ObjectName, Title: "Intro", Description: "Hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, video.ID)
	assert.Equal(t, "Intro", video.Title)
	assert.Equal(t, target.ObjectName, video.ObjectName)
	assert.Equal(t, "alice", video.UserID)
}

func TestServer_MultipartCreate(t *testing.T) {
	srv, ts := newTestServer(t, Config{})

	video, err := clientFor(ts, "alice").CreateVideo(context.Background(), api.VideoUpload{
		Title:       "Intro",
		Description: "Hello",
		FileName:    "intro.mp4",
		ContentType: "video/mp4",
		Body:        strings.NewReader("multipart-bytes"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Intro", video.Title)
	assert.Equal(t, len("multipart-bytes"), srv.ObjectSize(video.ObjectName))

	_, err = clientFor(ts, "alice").CreateVideo(context.Background(), api.VideoUpload{
		Title:    "No description",
		FileName: "intro.mp4",
		Body:     strings.NewReader("x"),
	})
	apiErr, ok := api.AsError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, "title and description are required", apiErr.Message)
}

func TestServer_RateLimited(t *testing.T) {
	_, ts := newTestServer(t, Config{RateLimit: 1, RatePeriod: "1m"})
	alice := clientFor(ts, "alice")

	_, err := alice.CreateComment(context.Background(), "v1", "one")
	require.NoError(t, err)

	_, err = alice.CreateComment(context.Background(), "v1", "two")
	apiErr, ok := api.AsError(err)
	require.True(t, ok, "got %v", err)
	assert.True(t, apiErr.RateLimited())
	assert.Equal(t, RateLimitMessage, apiErr.Message)
	assert.Greater(t, apiErr.RetryAfter, time.Duration(0))

	// Health is outside the limited group.
	require.NoError(t, alice.Health(context.Background()))
}

func TestServer_ChannelRequiresToken(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	resp, err := ts.Client().Get(ts.URL + "/v1/ws/comments?vid=v1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = ts.Client().Get(ts.URL + "/v1/ws/comments")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_GetVideo(t *testing.T) {
	srv, ts := newTestServer(t, Config{})
	srv.SeedVideo(api.Video{ID: "seeded", Title: "Seeded"})

	resp, err := ts.Client().Get(ts.URL + "/v1/videos/seeded")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = ts.Client().Get(ts.URL + "/v1/videos/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
