// Package devserver is an in-memory implementation of the video API used for
// local development and end-to-end tests. It serves the comment, live channel
// and upload endpoints the client talks to.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/MacJediWizard/minitube/internal/api"
	"github.com/MacJediWizard/minitube/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultMaxUploadBytes caps stored objects.
const DefaultMaxUploadBytes int64 = 100 * 1024 * 1024

// uploadTTL bounds how long an announced upload target stays valid.
const uploadTTL = 15 * time.Minute

// Config holds dev server settings.
type Config struct {
	// Addr is the listen address used by Run.
	Addr string
	// RateLimit is the number of /v1 requests allowed per RatePeriod per
	// client IP. Zero disables rate limiting.
	RateLimit  int64
	RatePeriod string
	// JWTSecret, when set, requires HS256 tokens signed with it. Otherwise
	// any non-empty token is accepted and names the user by its JWT subject
	// or by its literal value.
	JWTSecret []byte
	// AllowAnonymousChannel lets the live channel open without a token.
	AllowAnonymousChannel bool
	// PublicURL is the base of generated upload URLs. Empty derives it from
	// the request host.
	PublicURL      string
	MaxUploadBytes int64
	Hub            HubConfig
}

// Server is the dev API server.
type Server struct {
	cfg    Config
	engine *gin.Engine
	hub    *Hub
	store  *memStore
	logger zerolog.Logger
}

// New creates a server and starts its comment hub. Call Close to stop it.
func New(cfg Config, logger zerolog.Logger) (*Server, error) {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:    cfg,
		engine: gin.New(),
		hub:    NewHub(cfg.Hub, logger),
		store:  newMemStore(),
		logger: logger.With().Str("component", "devserver").Logger(),
	}

	s.engine.Use(gin.Recovery(), requestLogger(logger))
	if err := s.routes(); err != nil {
		return nil, err
	}

	s.hub.Start()
	return s, nil
}

func (s *Server) routes() error {
	s.engine.GET("/healthz", s.health)
	s.engine.PUT("/storage/*object", bodyLimit(s.cfg.MaxUploadBytes), s.putObject)

	v1 := s.engine.Group("/v1")
	if s.cfg.RateLimit > 0 {
		period := s.cfg.RatePeriod
		if period == "" {
			period = "1m"
		}
		limit, err := NewRateLimiter(s.cfg.RateLimit, period)
		if err != nil {
			return fmt.Errorf("configure rate limiter: %w", err)
		}
		v1.Use(limit)
	}

	v1.GET("/videos/:id", s.getVideo)
	v1.GET("/videos/:id/comments", s.listComments)
	v1.GET("/ws/comments", s.commentsSocket)

	authed := v1.Group("", s.requireAuth)
	authed.POST("/comments", s.createComment)
	authed.POST("/videos/initiate-upload", s.initiateUpload)
	authed.POST("/videos/finalize-upload", s.finalizeUpload)
	authed.POST("/videos", bodyLimit(s.cfg.MaxUploadBytes+1<<20), s.createVideo)
	return nil
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Hub returns the live channel hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close stops the comment hub, disconnecting live channel clients.
func (s *Server) Close() {
	s.hub.Stop()
}

// Run serves on cfg.Addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("dev server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down dev server")
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// SeedVideo registers a video so comments can be listed and posted for it.
func (s *Server) SeedVideo(v api.Video) {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	s.store.addVideo(v)
}

// ObjectSize returns the stored size of objectName, or -1 if nothing was stored.
func (s *Server) ObjectSize(objectName string) int {
	return s.store.objectSize(objectName)
}

// identify resolves the user a bearer token names.
func (s *Server) identify(token string) (api.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return api.User{}, auth.ErrNoIdentity
	}

	if len(s.cfg.JWTSecret) > 0 {
		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return s.cfg.JWTSecret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			return api.User{}, fmt.Errorf("verify token: %w", err)
		}
		if claims.Subject == "" {
			return api.User{}, errors.New("verify token: missing subject")
		}
		return api.User{ID: claims.Subject, Username: claims.Subject}, nil
	}

	if claims, err := auth.ParseClaims(token); err == nil && claims.Subject != "" {
		name := claims.Name
		if name == "" {
			name = claims.Subject
		}
		return api.User{ID: claims.Subject, Username: name}, nil
	}
	return api.User{ID: token, Username: token}, nil
}

func (s *Server) requireAuth(c *gin.Context) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing Authorization header"})
		return
	}
	user, err := s.identify(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Set("user", user)
	c.Next()
}

func currentUser(c *gin.Context) api.User {
	user, _ := c.Get("user")
	u, _ := user.(api.User)
	return u
}

// GET /healthz
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GET /v1/videos/:id
func (s *Server) getVideo(c *gin.Context) {
	video, ok := s.store.getVideo(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "video not found"})
		return
	}
	c.JSON(http.StatusOK, video)
}

// GET /v1/videos/:id/comments
func (s *Server) listComments(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.listComments(c.Param("id")))
}

// POST /v1/comments
func (s *Server) createComment(c *gin.Context) {
	var req struct {
		VideoID string `json:"video_id" binding:"required"`
		Message string `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "video_id and message are required"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message must not be empty"})
		return
	}

	user := currentUser(c)
	comment := s.store.addComment(api.Comment{
		UserID:    user.ID,
		VideoID:   req.VideoID,
		Message:   req.Message,
		CreatedAt: time.Now().UTC(),
		User:      user,
	})

	s.hub.Publish(comment)
	c.JSON(http.StatusCreated, comment)
}

// GET /v1/ws/comments?vid=<videoID>&token=<token>
func (s *Server) commentsSocket(c *gin.Context) {
	vid := c.Query("vid")
	if vid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing vid"})
		return
	}

	userID := ""
	token := c.Query("token")
	switch {
	case token != "":
		user, err := s.identify(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		userID = user.ID
	case !s.cfg.AllowAnonymousChannel:
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing token"})
		return
	}

	s.hub.HandleWebSocket(c.Writer, c.Request, vid, userID)
}

// POST /v1/videos/initiate-upload
func (s *Server) initiateUpload(c *gin.Context) {
	var req struct {
		FileName string `json:"fileName" binding:"required"`
		FileType string `json:"fileType" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fileName and fileType are required"})
		return
	}

	user := currentUser(c)
	objectName := objectNameFor(user.ID, req.FileName)
	sig, err := s.store.announce(objectName, user.ID, req.FileType, uploadTTL)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to sign upload target")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to initiate upload"})
		return
	}

	target := url.URL{Path: "/storage/" + objectName, RawQuery: url.Values{"sig": {sig}}.Encode()}
	uploadURL := s.baseURL(c) + target.RequestURI()
	s.logger.Debug().Str("object_name", objectName).Str("user_id", user.ID).Msg("upload target issued")

	c.JSON(http.StatusOK, api.UploadTarget{UploadURL: uploadURL, ObjectName: objectName})
}

// PUT /storage/*object?sig=<signature>
func (s *Server) putObject(c *gin.Context) {
	name := strings.TrimPrefix(c.Param("object"), "/")
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.String(http.StatusRequestEntityTooLarge, "EntityTooLarge")
			return
		}
		c.String(http.StatusBadRequest, "could not read body")
		return
	}

	if err := s.store.put(name, c.Query("sig"), c.ContentType(), data); err != nil {
		c.String(http.StatusForbidden, "AccessDenied: "+err.Error())
		return
	}
	c.Status(http.StatusOK)
}

// POST /v1/videos/finalize-upload
func (s *Server) finalizeUpload(c *gin.Context) {
	var req struct {
		ObjectName  string `json:"objectName" binding:"required"`
		Title       string `json:"title" binding:"required"`
		Description string `json:"description" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "objectName, title, and description are required"})
		return
	}

	user := currentUser(c)
	if err := s.store.stored(req.ObjectName, user.ID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, s.createVideoRecord(user, req.ObjectName, req.Title, req.Description))
}

// POST /v1/videos (multipart: title, description, video)
func (s *Server) createVideo(c *gin.Context) {
	title := c.PostForm("title")
	description := c.PostForm("description")
	if strings.TrimSpace(title) == "" || strings.TrimSpace(description) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title and description are required"})
		return
	}

	header, err := c.FormFile("video")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "video file is required"})
		return
	}
	if header.Size > s.cfg.MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "video file is too large"})
		return
	}

	f, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read video file"})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read video file"})
		return
	}

	user := currentUser(c)
	objectName := objectNameFor(user.ID, header.Filename)
	s.store.storeDirect(objectName, user.ID, header.Header.Get("Content-Type"), data)

	c.JSON(http.StatusCreated, s.createVideoRecord(user, objectName, title, description))
}

func (s *Server) createVideoRecord(user api.User, objectName, title, description string) api.Video {
	video := api.Video{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		Title:       title,
		Description: description,
		ObjectName:  objectName,
		CreatedAt:   time.Now().UTC(),
		User:        user,
	}
	s.store.addVideo(video)
	s.logger.Info().Str("video_id", video.ID).Str("object_name", objectName).Msg("video created")
	return video
}

func (s *Server) baseURL(c *gin.Context) string {
	if s.cfg.PublicURL != "" {
		return strings.TrimSuffix(s.cfg.PublicURL, "/")
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host
}

func objectNameFor(userID, fileName string) string {
	return fmt.Sprintf("videos/%s/%d-%s", strings.ReplaceAll(userID, "/", "_"), time.Now().UnixNano(), path.Base(fileName))
}
