// Package comments keeps a live, deduplicated comment list for one video at a
// time. A snapshot fetched over HTTP seeds the list and records pushed over
// the live channel are inserted at the head unless their ID is already shown.
package comments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MacJediWizard/minitube/internal/api"
	"github.com/MacJediWizard/minitube/internal/auth"
	"github.com/MacJediWizard/minitube/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Policy decides whether anonymous viewers get a live channel.
type Policy string

const (
	// PolicyAuthenticated opens the channel only when an identity is present.
	// Anonymous viewers see the snapshot without live updates.
	PolicyAuthenticated Policy = "authenticated"
	// PolicyPermissive opens an unauthenticated channel for anonymous viewers.
	PolicyPermissive Policy = "permissive"
)

// Reasons shown for submissions rejected before any request is made.
const (
	ReasonSignIn     = "Sign in to add a comment."
	ReasonEmpty      = "Comment cannot be empty."
	ReasonNoVideo    = "No video selected."
	ReasonInProgress = "A comment is already being posted."
)

// ErrSubmitInProgress is wrapped by the SubmissionError returned while an
// earlier Submit is still waiting for the API.
var ErrSubmitInProgress = errors.New("submission in progress")

// API is the subset of the API client used by the controller.
type API interface {
	ListComments(ctx context.Context, videoID string) ([]api.Comment, error)
	CreateComment(ctx context.Context, videoID, message string) (*api.Comment, error)
}

// Deps are the controller's collaborators.
type Deps struct {
	API API
	// Dialer may be nil for a snapshot-only controller.
	Dialer Dialer
	// Tokens may be nil for an always-anonymous controller.
	Tokens auth.TokenProvider
	// Metrics may be nil.
	Metrics *metrics.PrometheusMetrics
}

// Reconnect bounds the live channel reconnect backoff. The zero value
// disables reconnection.
type Reconnect struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxAttempts is the number of consecutive failed opens tolerated after
	// the channel drops. Zero disables reconnection.
	MaxAttempts int
}

// DefaultReconnect returns the reconnect policy used by the CLI.
func DefaultReconnect() Reconnect {
	return Reconnect{
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		MaxAttempts:     5,
	}
}

// Config holds controller settings.
type Config struct {
	// Policy defaults to PolicyAuthenticated.
	Policy    Policy
	Reconnect Reconnect
	// OnChange is called after every state change, outside the controller's
	// lock and possibly from several goroutines at once. It must not block.
	OnChange func(View)
}

// View is a consistent copy of the controller state.
type View struct {
	VideoID string
	// Comments is newest-first by arrival. No two entries share an ID.
	Comments       []api.Comment
	Live           bool
	SnapshotLoaded bool
	Draft          string
	Submitting     bool
	SubmitErr      error
	ChannelErr     error
	SnapshotErr    error
}

// Controller owns the comment list and live channel for the current video.
type Controller struct {
	api     API
	dialer  Dialer
	tokens  auth.TokenProvider
	metrics *metrics.PrometheusMetrics
	cfg     Config
	logger  zerolog.Logger

	// reconcileMu serializes SetVideo and Close.
	reconcileMu sync.Mutex

	mu             sync.Mutex
	videoID        string
	epoch          uint64
	comments       []api.Comment
	seen           map[int64]struct{}
	live           bool
	snapshotLoaded bool
	draft          string
	submitting     bool
	submitErr      error
	channelErr     error
	snapshotErr    error
	cancel         context.CancelFunc
	channelDone    chan struct{}
}

// New creates a controller with no video mounted.
func New(deps Deps, cfg Config, logger zerolog.Logger) *Controller {
	if cfg.Policy == "" {
		cfg.Policy = PolicyAuthenticated
	}
	return &Controller{
		api:     deps.API,
		dialer:  deps.Dialer,
		tokens:  deps.Tokens,
		metrics: deps.Metrics,
		cfg:     cfg,
		logger:  logger.With().Str("component", "comment_stream").Logger(),
		seen:    make(map[int64]struct{}),
	}
}

// SetVideo mounts videoID, replacing whatever was mounted before. The
// previous channel is closed and its reader has exited before the new
// session starts. The snapshot fetch and channel open then run in the
// background; observe progress through View or Config.OnChange.
// An empty videoID unmounts.
func (c *Controller) SetVideo(ctx context.Context, videoID string) {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	c.mu.Lock()
	cancel, channelDone := c.cancel, c.channelDone
	c.cancel, c.channelDone = nil, nil
	changed := c.videoID != videoID
	c.epoch++
	epoch := c.epoch
	c.videoID = videoID
	c.comments = nil
	c.seen = make(map[int64]struct{})
	c.live = false
	c.snapshotLoaded = false
	c.submitErr, c.channelErr, c.snapshotErr = nil, nil, nil
	if changed {
		c.draft = ""
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-channelDone
	}
	c.notify()

	if videoID == "" {
		return
	}

	sessionCtx, sessionCancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel, c.channelDone = sessionCancel, done
	c.mu.Unlock()

	c.logger.Debug().Str("video_id", videoID).Uint64("epoch", epoch).Msg("video mounted")

	go c.loadSnapshot(sessionCtx, epoch, videoID)
	go func() {
		defer close(done)
		c.runChannel(sessionCtx, epoch, videoID)
	}()
}

// Close unmounts the current video. It is idempotent.
func (c *Controller) Close() {
	c.SetVideo(context.Background(), "")
}

// View returns a copy of the current state.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Controller) viewLocked() View {
	comments := make([]api.Comment, len(c.comments))
	copy(comments, c.comments)
	return View{
		VideoID:        c.videoID,
		Comments:       comments,
		Live:           c.live,
		SnapshotLoaded: c.snapshotLoaded,
		Draft:          c.draft,
		Submitting:     c.submitting,
		SubmitErr:      c.submitErr,
		ChannelErr:     c.channelErr,
		SnapshotErr:    c.snapshotErr,
	}
}

// SetDraft replaces the draft message.
func (c *Controller) SetDraft(draft string) {
	c.mu.Lock()
	c.draft = draft
	c.mu.Unlock()
	c.notify()
}

// Submit posts the draft. The comment is not inserted locally; it appears
// when the server echoes it over the live channel. On success the draft is
// cleared unless it was edited meanwhile. On failure the draft is kept and
// a *SubmissionError is returned.
func (c *Controller) Submit(ctx context.Context) error {
	c.mu.Lock()
	videoID, draft, epoch := c.videoID, c.draft, c.epoch
	message := strings.TrimSpace(draft)

	var rejected *SubmissionError
	switch {
	case c.submitting:
		rejected = &SubmissionError{Reason: ReasonInProgress, Err: ErrSubmitInProgress}
	case videoID == "":
		rejected = &SubmissionError{Reason: ReasonNoVideo}
	case message == "":
		rejected = &SubmissionError{Reason: ReasonEmpty}
	}
	if rejected != nil {
		if !errors.Is(rejected, ErrSubmitInProgress) {
			c.submitErr = rejected
		}
		c.mu.Unlock()
		c.metrics.RecordSubmission("rejected")
		c.notify()
		return rejected
	}
	c.submitting = true
	c.submitErr = nil
	c.mu.Unlock()
	c.notify()

	err := c.submit(ctx, videoID, message)

	c.mu.Lock()
	c.submitting = false
	current := c.epoch == epoch
	if err == nil {
		if current && c.draft == draft {
			c.draft = ""
		}
	} else if current {
		c.submitErr = err
	}
	c.mu.Unlock()
	c.notify()

	return err
}

func (c *Controller) submit(ctx context.Context, videoID, message string) error {
	hasIdentity, err := auth.HasIdentity(ctx, c.tokens)
	if err != nil {
		c.metrics.RecordSubmission("failed")
		return &SubmissionError{Reason: "Could not verify sign-in: " + err.Error(), Err: err}
	}
	if !hasIdentity {
		c.metrics.RecordSubmission("rejected")
		return &SubmissionError{Reason: ReasonSignIn, Err: auth.ErrNoIdentity}
	}

	if _, err := c.api.CreateComment(ctx, videoID, message); err != nil {
		c.metrics.RecordSubmission("failed")
		c.logger.Warn().Err(err).Str("video_id", videoID).Msg("comment submission failed")
		return &SubmissionError{Reason: submissionReason(err), Err: err}
	}

	c.metrics.RecordSubmission("ok")
	c.logger.Debug().Str("video_id", videoID).Msg("comment submitted, awaiting echo")
	return nil
}

func (c *Controller) loadSnapshot(ctx context.Context, epoch uint64, videoID string) {
	comments, err := c.api.ListComments(ctx, videoID)

	c.mu.Lock()
	if !c.currentLocked(epoch, videoID) {
		c.mu.Unlock()
		c.logger.Debug().Str("video_id", videoID).Msg("discarding stale snapshot")
		return
	}
	if err != nil {
		c.snapshotErr = fmt.Errorf("load comments: %w", err)
		c.mu.Unlock()
		c.logger.Warn().Err(err).Str("video_id", videoID).Msg("snapshot fetch failed")
		c.notify()
		return
	}
	c.applySnapshotLocked(comments)
	c.mu.Unlock()
	c.notify()
}

// applySnapshotLocked replaces the list with the snapshot. Records that
// arrived over the channel before the snapshot and are absent from it stay
// at the head.
func (c *Controller) applySnapshotLocked(snapshot []api.Comment) {
	seen := make(map[int64]struct{}, len(snapshot)+len(c.comments))
	list := make([]api.Comment, 0, len(snapshot)+len(c.comments))

	inSnapshot := make(map[int64]struct{}, len(snapshot))
	for _, cm := range snapshot {
		inSnapshot[cm.ID] = struct{}{}
	}
	for _, cm := range c.comments {
		if _, ok := inSnapshot[cm.ID]; !ok {
			list = append(list, cm)
			seen[cm.ID] = struct{}{}
		}
	}
	for _, cm := range snapshot {
		if _, ok := seen[cm.ID]; ok {
			continue
		}
		seen[cm.ID] = struct{}{}
		list = append(list, cm)
	}

	c.comments = list
	c.seen = seen
	c.snapshotLoaded = true
	c.snapshotErr = nil
}

// insertLocked adds cm at the head unless its ID is already shown.
func (c *Controller) insertLocked(cm api.Comment) bool {
	if _, ok := c.seen[cm.ID]; ok {
		return false
	}
	c.seen[cm.ID] = struct{}{}
	c.comments = append([]api.Comment{cm}, c.comments...)
	return true
}

func (c *Controller) currentLocked(epoch uint64, videoID string) bool {
	return c.epoch == epoch && c.videoID == videoID
}

func (c *Controller) runChannel(ctx context.Context, epoch uint64, videoID string) {
	if c.dialer == nil {
		return
	}
	logger := c.logger.With().Str("video_id", videoID).Logger()
	retry := c.newBackOff(ctx)
	connectedBefore := false

	for {
		token, ok := c.channelToken(ctx, epoch, videoID)
		if !ok {
			return
		}

		ch, err := c.dialer.Dial(ctx, videoID, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.metrics.RecordChannel("failed")
			logger.Warn().Err(err).Msg("live channel unavailable")
			c.setChannelState(epoch, videoID, false, err)
		} else {
			c.metrics.RecordChannel("connected")
			c.setChannelState(epoch, videoID, true, nil)
			logger.Debug().Bool("reconnect", connectedBefore).Msg("live channel open")

			if connectedBefore {
				go c.refetchMissed(ctx, epoch, videoID)
			}
			connectedBefore = true
			retry.Reset()

			err = c.readChannel(ctx, ch, epoch, videoID)
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("live channel closed")
			c.setChannelState(epoch, videoID, false, err)
		}

		wait := retry.NextBackOff()
		if wait == backoff.Stop {
			logger.Info().Msg("live channel not reconnecting")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		c.metrics.RecordChannel("reconnect")
	}
}

// channelToken resolves the token for the channel according to the policy.
// ok is false when the channel must not be opened.
func (c *Controller) channelToken(ctx context.Context, epoch uint64, videoID string) (string, bool) {
	if c.tokens == nil {
		if c.cfg.Policy == PolicyPermissive {
			return "", true
		}
		c.metrics.RecordChannel("skipped")
		return "", false
	}

	token, err := c.tokens.Token(ctx)
	switch {
	case err == nil:
		return token, true
	case ctx.Err() != nil:
		return "", false
	case errors.Is(err, auth.ErrNoIdentity):
		if c.cfg.Policy == PolicyPermissive {
			return "", true
		}
		c.metrics.RecordChannel("skipped")
		c.logger.Debug().Str("video_id", videoID).Msg("no identity, staying snapshot-only")
		return "", false
	default:
		c.metrics.RecordChannel("failed")
		c.setChannelState(epoch, videoID, false, fmt.Errorf("resolve token: %w", err))
		return "", false
	}
}

func (c *Controller) readChannel(ctx context.Context, ch Channel, epoch uint64, videoID string) error {
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer func() {
		stop()
		ch.Close()
	}()

	for {
		data, err := ch.Read()
		if err != nil {
			if isNormalClose(err) {
				return fmt.Errorf("live channel closed by server: %w", err)
			}
			return err
		}
		c.handlePayload(data, epoch, videoID)
	}
}

func (c *Controller) handlePayload(data []byte, epoch uint64, videoID string) {
	var cm api.Comment
	if err := json.Unmarshal(data, &cm); err != nil || cm.ID == 0 {
		c.metrics.RecordCommentEvent("malformed")
		c.logger.Debug().Err(err).Int("bytes", len(data)).Msg("dropping malformed comment payload")
		return
	}
	if cm.VideoID != "" && cm.VideoID != videoID {
		c.metrics.RecordCommentEvent("stale")
		return
	}

	c.mu.Lock()
	if !c.currentLocked(epoch, videoID) {
		c.mu.Unlock()
		c.metrics.RecordCommentEvent("stale")
		return
	}
	inserted := c.insertLocked(cm)
	c.mu.Unlock()

	if !inserted {
		c.metrics.RecordCommentEvent("duplicate")
		return
	}
	c.metrics.RecordCommentEvent("applied")
	c.notify()
}

// refetchMissed reloads the snapshot after a reconnect and head-inserts the
// records that were created while the channel was down.
func (c *Controller) refetchMissed(ctx context.Context, epoch uint64, videoID string) {
	snapshot, err := c.api.ListComments(ctx, videoID)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn().Err(err).Str("video_id", videoID).Msg("refetch after reconnect failed")
		}
		return
	}

	c.mu.Lock()
	if !c.currentLocked(epoch, videoID) {
		c.mu.Unlock()
		return
	}
	if !c.snapshotLoaded {
		c.applySnapshotLocked(snapshot)
		c.mu.Unlock()
		c.notify()
		return
	}
	added := 0
	for _, cm := range snapshot {
		if c.insertLocked(cm) {
			added++
		}
	}
	c.mu.Unlock()

	if added > 0 {
		c.logger.Debug().Int("added", added).Str("video_id", videoID).Msg("recovered missed comments")
		c.notify()
	}
}

func (c *Controller) setChannelState(epoch uint64, videoID string, live bool, err error) {
	c.mu.Lock()
	if !c.currentLocked(epoch, videoID) {
		c.mu.Unlock()
		return
	}
	c.live = live
	c.channelErr = err
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) newBackOff(ctx context.Context) backoff.BackOff {
	rc := c.cfg.Reconnect
	if rc.MaxAttempts <= 0 {
		return &backoff.StopBackOff{}
	}

	exp := backoff.NewExponentialBackOff()
	if rc.InitialInterval > 0 {
		exp.InitialInterval = rc.InitialInterval
	}
	if rc.MaxInterval > 0 {
		exp.MaxInterval = rc.MaxInterval
	}
	exp.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(rc.MaxAttempts)), ctx)
	b.Reset()
	return b
}

func (c *Controller) notify() {
	if c.cfg.OnChange == nil {
		return
	}
	c.cfg.OnChange(c.View())
}
