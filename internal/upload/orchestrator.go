// Package upload moves a local video file to storage and registers it with
// the API, tracking each session through a strictly forward state machine.
package upload

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MacJediWizard/minitube/internal/api"
	"github.com/MacJediWizard/minitube/internal/history"
	"github.com/MacJediWizard/minitube/internal/metrics"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Status is a session's stage.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusValidating   Status = "validating"
	StatusNegotiating  Status = "negotiating"
	StatusTransferring Status = "transferring"
	StatusFinalizing   Status = "finalizing"
	StatusComplete     Status = "complete"
	StatusFailed       Status = "failed"
)

var stageOrder = map[Status]int{
	StatusIdle:         0,
	StatusValidating:   1,
	StatusNegotiating:  2,
	StatusTransferring: 3,
	StatusFinalizing:   4,
	StatusComplete:     5,
	StatusFailed:       6,
}

// Label returns a short progress message for the stage.
func (s Status) Label() string {
	switch s {
	case StatusValidating:
		return "Checking file..."
	case StatusNegotiating:
		return "Initializing upload..."
	case StatusTransferring:
		return "Uploading video..."
	case StatusFinalizing:
		return "Finalizing..."
	case StatusComplete:
		return "Upload complete!"
	case StatusFailed:
		return "Upload failed."
	default:
		return ""
	}
}

// active reports whether the status is a network stage.
func (s Status) active() bool {
	return s == StatusNegotiating || s == StatusTransferring || s == StatusFinalizing
}

// Mode selects how bytes reach storage.
type Mode string

const (
	// ModeDirect negotiates a signed URL and PUTs the bytes to storage.
	ModeDirect Mode = "direct"
	// ModeMultipart posts the file and metadata to the API in one request.
	ModeMultipart Mode = "multipart"
)

// DefaultMaxBytes is the upload size cap when none is configured.
const DefaultMaxBytes int64 = 100 * 1024 * 1024

// DefaultAllowedTypes lists the accepted container types when none are configured.
var DefaultAllowedTypes = []string{"video/mp4", "video/quicktime", "video/x-matroska"}

// API is the subset of the API client used by the orchestrator.
type API interface {
	InitiateUpload(ctx context.Context, fileName, fileType string) (*api.UploadTarget, error)
	FinalizeUpload(ctx context.Context, req api.FinalizeRequest) (*api.Video, error)
	CreateVideo(ctx context.Context, upload api.VideoUpload) (*api.Video, error)
}

// Storage writes bytes to a negotiated upload URL.
type Storage interface {
	Put(ctx context.Context, uploadURL, contentType string, body io.Reader, size int64) error
}

// History records finished sessions.
type History interface {
	Record(ctx context.Context, rec *history.Record) error
}

// Deps are the orchestrator's collaborators. Storage is only needed in
// ModeDirect. History and Metrics may be nil.
type Deps struct {
	API     API
	Storage Storage
	History History
	Metrics *metrics.PrometheusMetrics
}

// Config holds orchestrator settings.
type Config struct {
	// MaxBytes defaults to DefaultMaxBytes.
	MaxBytes int64
	// AllowedTypes defaults to DefaultAllowedTypes.
	AllowedTypes []string
	// Mode defaults to ModeDirect.
	Mode Mode
	// OnProgress is called on every stage change and as bytes are sent,
	// outside the orchestrator's lock. It must not block.
	OnProgress func(Progress)
}

// Metadata is the text that describes an upload.
type Metadata struct {
	Title       string
	Description string
}

// Progress reports a stage change or transferred byte count.
type Progress struct {
	SessionID  uuid.UUID
	Status     Status
	BytesSent  int64
	TotalBytes int64
}

// View is a consistent copy of the current session.
type View struct {
	SessionID uuid.UUID
	Status    Status
	// File is nil when the session has no file.
	File      *File
	Target    *api.UploadTarget
	Err       *Error
	History   []Status
	BytesSent int64
	Video     *api.Video
}

type session struct {
	id        uuid.UUID
	file      File
	status    Status
	history   []Status
	target    *api.UploadTarget
	err       *Error
	bytesSent int64
	video     *api.Video
	startedAt time.Time
}

// Orchestrator runs one upload session at a time.
type Orchestrator struct {
	api     API
	storage Storage
	history History
	metrics *metrics.PrometheusMetrics
	cfg     Config
	logger  zerolog.Logger

	mu      sync.Mutex
	session *session
	// progressMu orders progress events; acquire before mu.
	progressMu sync.Mutex
	// held is the validated file awaiting submission.
	held *File
}

// New creates an idle orchestrator.
func New(deps Deps, cfg Config, logger zerolog.Logger) *Orchestrator {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if len(cfg.AllowedTypes) == 0 {
		cfg.AllowedTypes = DefaultAllowedTypes
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeDirect
	}
	return &Orchestrator{
		api:     deps.API,
		storage: deps.Storage,
		history: deps.History,
		metrics: deps.Metrics,
		cfg:     cfg,
		logger:  logger.With().Str("component", "upload").Str("mode", string(cfg.Mode)).Logger(),
	}
}

// Select starts a session for file and validates its size and content type.
// On failure the session is Failed and the file is discarded. On success
// the session stays Validating until Submit.
func (o *Orchestrator) Select(file File) error {
	o.mu.Lock()
	if o.busyLocked() {
		o.mu.Unlock()
		return ErrBusy
	}
	o.held = nil
	s := o.startLocked(file)

	verr := o.validateFile(file)
	if verr != nil {
		o.failLocked(s, verr)
		o.mu.Unlock()
		o.emit(s.id, StatusFailed, 0, file.Size)
		return verr
	}
	o.held = &file
	o.mu.Unlock()

	o.logger.Debug().
		Str("session_id", s.id.String()).
		Str("file", file.Name).
		Int64("size", file.Size).
		Str("content_type", file.ContentType).
		Msg("file validated")
	return nil
}

// Submit uploads the held file with md and returns the created video.
// A held file whose previous session failed is resubmitted in a new session.
func (o *Orchestrator) Submit(ctx context.Context, md Metadata) (*api.Video, error) {
	o.mu.Lock()
	if o.busyLocked() {
		o.mu.Unlock()
		return nil, ErrBusy
	}

	if o.held == nil {
		s := o.session
		if s == nil || s.status != StatusValidating {
			s = o.startLocked(File{})
		}
		verr := &Error{Kind: KindValidation, Stage: StatusValidating, Reason: ReasonNoFile}
		o.failLocked(s, verr)
		o.mu.Unlock()
		return nil, verr
	}

	s := o.session
	if s == nil || s.status != StatusValidating {
		s = o.startLocked(*o.held)
	}

	var verr *Error
	switch {
	case strings.TrimSpace(md.Title) == "":
		verr = &Error{Kind: KindValidation, Stage: StatusValidating, Reason: ReasonNoTitle}
	case strings.TrimSpace(md.Description) == "":
		verr = &Error{Kind: KindValidation, Stage: StatusValidating, Reason: ReasonNoDescription}
	}
	if verr != nil {
		// The file stays held so the caller can fix the metadata and retry.
		o.failLocked(s, verr)
		o.mu.Unlock()
		o.emit(s.id, StatusFailed, 0, s.file.Size)
		return nil, verr
	}

	s.startedAt = time.Now()
	first := StatusNegotiating
	if o.cfg.Mode == ModeMultipart {
		first = StatusTransferring
	}
	o.advanceLocked(s, first)
	o.mu.Unlock()
	o.emit(s.id, first, 0, s.file.Size)

	var (
		video *api.Video
		err   *Error
	)
	if o.cfg.Mode == ModeMultipart {
		video, err = o.runMultipart(ctx, s, md)
	} else {
		video, err = o.runDirect(ctx, s, md)
	}

	o.finish(ctx, s, video, err)
	if err != nil {
		return nil, err
	}
	return video, nil
}

func (o *Orchestrator) runDirect(ctx context.Context, s *session, md Metadata) (*api.Video, *Error) {
	target, err := o.api.InitiateUpload(ctx, s.file.Name, s.file.ContentType)
	if err != nil {
		return nil, &Error{Kind: KindNegotiation, Stage: StatusNegotiating, Reason: failureReason(err, "Could not start upload"), Err: err}
	}

	o.mu.Lock()
	s.target = target
	o.advanceLocked(s, StatusTransferring)
	o.mu.Unlock()
	o.emit(s.id, StatusTransferring, 0, s.file.Size)

	if o.storage == nil {
		return nil, &Error{Kind: KindTransfer, Stage: StatusTransferring, Reason: "Upload to storage failed: no storage client configured"}
	}

	body, err := s.file.Open()
	if err != nil {
		return nil, &Error{Kind: KindTransfer, Stage: StatusTransferring, Reason: "Could not read file: " + err.Error(), Err: err}
	}
	defer body.Close()

	if err := o.storage.Put(ctx, target.UploadURL, s.file.ContentType, o.countingReader(s, body), s.file.Size); err != nil {
		return nil, &Error{Kind: KindTransfer, Stage: StatusTransferring, Reason: failureReason(err, "Upload to storage failed"), Err: err}
	}

	o.mu.Lock()
	o.advanceLocked(s, StatusFinalizing)
	o.mu.Unlock()
	o.emit(s.id, StatusFinalizing, s.file.Size, s.file.Size)

	video, err := o.api.FinalizeUpload(ctx, api.FinalizeRequest{
		ObjectName:  target.ObjectName,
		Title:       md.Title,
		Description: md.Description,
	})
	if err != nil {
		return nil, &Error{Kind: KindFinalization, Stage: StatusFinalizing, Reason: failureReason(err, "Could not finalize upload"), Err: err}
	}
	return video, nil
}

func (o *Orchestrator) runMultipart(ctx context.Context, s *session, md Metadata) (*api.Video, *Error) {
	body, err := s.file.Open()
	if err != nil {
		return nil, &Error{Kind: KindTransfer, Stage: StatusTransferring, Reason: "Could not read file: " + err.Error(), Err: err}
	}
	defer body.Close()

	video, err := o.api.CreateVideo(ctx, api.VideoUpload{
		Title:       md.Title,
		Description: md.Description,
		FileName:    s.file.Name,
		ContentType: s.file.ContentType,
		Body:        o.countingReader(s, body),
	})
	if err != nil {
		return nil, &Error{Kind: KindTransfer, Stage: StatusTransferring, Reason: failureReason(err, "Upload failed"), Err: err}
	}
	return video, nil
}

// finish moves the session to its terminal state and records it.
func (o *Orchestrator) finish(ctx context.Context, s *session, video *api.Video, uerr *Error) {
	o.mu.Lock()
	if uerr != nil {
		o.failLocked(s, uerr)
	} else {
		s.video = video
		o.advanceLocked(s, StatusComplete)
		o.held = nil
	}
	rec := o.recordFor(s)
	sent := s.bytesSent
	o.mu.Unlock()

	logger := o.logger.With().Str("session_id", s.id.String()).Str("file", s.file.Name).Logger()
	if uerr != nil {
		logger.Warn().Err(uerr.Err).Str("kind", string(uerr.Kind)).Str("reason", uerr.Reason).Msg("upload failed")
		if uerr.Orphaned() && s.target != nil {
			logger.Warn().Str("object_name", s.target.ObjectName).Msg("stored object has no video record")
		}
		o.emit(s.id, StatusFailed, sent, s.file.Size)
	} else {
		elapsed := time.Since(s.startedAt)
		o.metrics.RecordUploadDuration(string(o.cfg.Mode), elapsed.Seconds())
		logger.Info().Str("video_id", video.ID).Dur("duration", elapsed).Msg("upload complete")
		o.emit(s.id, StatusComplete, s.file.Size, s.file.Size)
	}

	if o.history != nil {
		if err := o.history.Record(context.WithoutCancel(ctx), rec); err != nil {
			logger.Error().Err(err).Msg("failed to record upload history")
		}
	}
}

func (o *Orchestrator) recordFor(s *session) *history.Record {
	rec := &history.Record{
		SessionID:   s.id,
		FileName:    s.file.Name,
		ContentType: s.file.ContentType,
		SizeBytes:   s.file.Size,
		Mode:        string(o.cfg.Mode),
		Status:      history.StatusComplete,
		StartedAt:   s.startedAt,
		FinishedAt:  time.Now(),
	}
	if s.target != nil {
		rec.ObjectName = s.target.ObjectName
	}
	if s.video != nil {
		rec.VideoID = s.video.ID
	}
	if s.err != nil {
		rec.Status = history.StatusFailed
		if s.err.Orphaned() {
			rec.Status = history.StatusOrphaned
		}
		rec.Stage = string(s.err.Stage)
		rec.Reason = s.err.Reason
	}
	return rec
}

// Reset discards the session and any held file.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busyLocked() {
		return ErrBusy
	}
	o.session = nil
	o.held = nil
	return nil
}

// CanSubmit reports whether Submit would start a transfer rather than
// return ErrBusy or fail for lack of a file.
func (o *Orchestrator) CanSubmit() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.busyLocked() && o.held != nil
}

// View returns a copy of the current session.
func (o *Orchestrator) View() View {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.session
	if s == nil {
		return View{Status: StatusIdle}
	}
	v := View{
		SessionID: s.id,
		Status:    s.status,
		Err:       s.err,
		History:   slices.Clone(s.history),
		BytesSent: s.bytesSent,
		Video:     s.video,
	}
	if s.file.Name != "" || s.file.Size > 0 {
		f := s.file
		v.File = &f
	}
	if s.target != nil {
		t := *s.target
		v.Target = &t
	}
	return v
}

func (o *Orchestrator) busyLocked() bool {
	return o.session != nil && o.session.status.active()
}

func (o *Orchestrator) startLocked(file File) *session {
	s := &session{
		id:     uuid.New(),
		file:   file,
		status: StatusIdle,
	}
	o.session = s
	o.advanceLocked(s, StatusValidating)
	return s
}

// advanceLocked moves s forward. Backward moves are ignored.
func (o *Orchestrator) advanceLocked(s *session, to Status) {
	if stageOrder[to] <= stageOrder[s.status] {
		o.logger.Error().Str("from", string(s.status)).Str("to", string(to)).Msg("ignoring backward stage transition")
		return
	}
	s.status = to
	s.history = append(s.history, to)
	if to != StatusFailed {
		o.metrics.RecordUploadStage(string(to))
	}
}

func (o *Orchestrator) failLocked(s *session, err *Error) {
	s.err = err
	o.advanceLocked(s, StatusFailed)
	o.metrics.RecordUploadFailure(string(err.Kind))
	if err.Kind == KindValidation && err.Reason != ReasonNoTitle && err.Reason != ReasonNoDescription {
		o.held = nil
	}
}

func (o *Orchestrator) validateFile(file File) *Error {
	switch {
	case file.Size > o.cfg.MaxBytes:
		return &Error{
			Kind:   KindValidation,
			Stage:  StatusValidating,
			Reason: fmt.Sprintf(reasonTooLarge, humanize.IBytes(uint64(o.cfg.MaxBytes))),
		}
	case file.Size <= 0:
		return &Error{Kind: KindValidation, Stage: StatusValidating, Reason: ReasonEmptyFile}
	case !slices.Contains(o.cfg.AllowedTypes, file.ContentType):
		return &Error{
			Kind:   KindValidation,
			Stage:  StatusValidating,
			Reason: fmt.Sprintf(reasonUnsupportedType, formatTypes(o.cfg.AllowedTypes)),
		}
	}
	return nil
}

var typeLabels = map[string]string{
	"video/mp4":        "MP4",
	"video/quicktime":  "MOV",
	"video/x-matroska": "MKV",
	"video/webm":       "WEBM",
}

// formatTypes renders an allow-list as "MP4, MOV, or MKV".
func formatTypes(types []string) string {
	labels := make([]string, 0, len(types))
	for _, t := range types {
		if l, ok := typeLabels[t]; ok {
			labels = append(labels, l)
		} else {
			labels = append(labels, t)
		}
	}
	switch len(labels) {
	case 0:
		return ""
	case 1:
		return labels[0]
	case 2:
		return labels[0] + " or " + labels[1]
	}
	return strings.Join(labels[:len(labels)-1], ", ") + ", or " + labels[len(labels)-1]
}

func (o *Orchestrator) emit(id uuid.UUID, status Status, sent, total int64) {
	o.progressMu.Lock()
	defer o.progressMu.Unlock()
	o.emitLocked(id, status, sent, total)
}

func (o *Orchestrator) emitLocked(id uuid.UUID, status Status, sent, total int64) {
	if o.cfg.OnProgress == nil {
		return
	}
	o.cfg.OnProgress(Progress{SessionID: id, Status: status, BytesSent: sent, TotalBytes: total})
}

type countingReader struct {
	r    io.Reader
	o    *Orchestrator
	s    *session
	sent int64
}

func (o *Orchestrator) countingReader(s *session, r io.Reader) io.Reader {
	return &countingReader{r: r, o: o, s: s}
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.sent += int64(n)
		c.o.metrics.AddUploadBytes(string(c.o.cfg.Mode), int64(n))

		// The transport may keep draining the body after the session has
		// settled, so only a transferring session takes the update.
		c.o.progressMu.Lock()
		c.o.mu.Lock()
		transferring := c.s.status == StatusTransferring
		if transferring {
			c.s.bytesSent = c.sent
		}
		c.o.mu.Unlock()
		if transferring {
			c.o.emitLocked(c.s.id, StatusTransferring, c.sent, c.s.file.Size)
		}
		c.o.progressMu.Unlock()
	}
	return n, err
}
