package upload

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MacJediWizard/minitube/internal/api"
	"github.com/MacJediWizard/minitube/internal/history"
	"github.com/MacJediWizard/minitube/internal/metrics"
	"github.com/MacJediWizard/minitube/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = 1024 * 1024

type fakeAPI struct {
	mu            sync.Mutex
	initiateCalls int
	finalizeCalls int
	createCalls   int
	initiateErr   error
	finalizeErr   error
	createErr     error
	finalized     []api.FinalizeRequest
	created       []api.VideoUpload
	createdBytes  int
	// uploadURL replaces the storage.example.com target when set.
	uploadURL string
	// onInitiate runs while the session is negotiating.
	onInitiate func()
}

func (f *fakeAPI) InitiateUpload(_ context.Context, fileName, _ string) (*api.UploadTarget, error) {
	f.mu.Lock()
	f.initiateCalls++
	err, hook, uploadURL := f.initiateErr, f.onInitiate, f.uploadURL
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	if uploadURL == "" {
		uploadURL = "https://storage.example.com/put/" + fileName
	}
	return &api.UploadTarget{UploadURL: uploadURL, ObjectName: "videos/" + fileName}, nil
}

func (f *fakeAPI) FinalizeUpload(_ context.Context, req api.FinalizeRequest) (*api.Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizeCalls++
	if f.finalizeErr != nil {
		return nil, f.finalizeErr
	}
	f.finalized = append(f.finalized, req)
	return &api.Video{ID: "vid-1", Title: req.Title, Description: req.Description, ObjectName: req.ObjectName}, nil
}

func (f *fakeAPI) CreateVideo(_ context.Context, up api.VideoUpload) (*api.Video, error) {
	data, err := io.ReadAll(up.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, up)
	f.createdBytes = len(data)
	return &api.Video{ID: "vid-mp", Title: up.Title}, nil
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initiateCalls + f.finalizeCalls + f.createCalls
}

type fakeStorage struct {
	mu    sync.Mutex
	puts  int
	bytes int
	url   string
	ctype string
	err   error
}

func (f *fakeStorage) Put(_ context.Context, uploadURL, contentType string, body io.Reader, _ int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	f.url = uploadURL
	f.ctype = contentType
	f.bytes = len(data)
	return f.err
}

type fakeHistory struct {
	mu      sync.Mutex
	records []history.Record
}

func (f *fakeHistory) Record(_ context.Context, rec *history.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, *rec)
	return nil
}

func (f *fakeHistory) all() []history.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]history.Record(nil), f.records...)
}

type harness struct {
	orch    *Orchestrator
	api     *fakeAPI
	storage *fakeStorage
	history *fakeHistory
	metrics *metrics.PrometheusMetrics

	mu       sync.Mutex
	progress []Progress
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newHarnessWithStorage(t, cfg, nil)
}

// newHarnessWithStorage uses st in place of the fake storage when non-nil.
func newHarnessWithStorage(t *testing.T, cfg Config, st Storage) *harness {
	t.Helper()
	m, err := metrics.NewPrometheusMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	h := &harness{
		api:     &fakeAPI{},
		storage: &fakeStorage{},
		history: &fakeHistory{},
		metrics: m,
	}
	cfg.OnProgress = func(p Progress) {
		h.mu.Lock()
		h.progress = append(h.progress, p)
		h.mu.Unlock()
	}
	if st == nil {
		st = h.storage
	}
	h.orch = New(Deps{API: h.api, Storage: st, History: h.history, Metrics: m}, cfg, zerolog.Nop())
	return h
}

func (h *harness) statuses() []Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Status
	for _, p := range h.progress {
		if len(out) == 0 || out[len(out)-1] != p.Status {
			out = append(out, p.Status)
		}
	}
	return out
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, label string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, vec.WithLabelValues(label).Write(&m))
	return m.GetCounter().GetValue()
}

func mp4(size int) File {
	return BytesFile("intro.mp4", "video/mp4", make([]byte, size))
}

func TestOrchestrator_DirectHappyPath(t *testing.T) {
	h := newHarness(t, Config{})

	require.NoError(t, h.orch.Select(mp4(5*mib)))
	assert.Equal(t, StatusValidating, h.orch.View().Status)
	assert.True(t, h.orch.CanSubmit())

	video, err := h.orch.Submit(context.Background(), Metadata{Title: "Intro", Description: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, "vid-1", video.ID)

	v := h.orch.View()
	assert.Equal(t, StatusComplete, v.Status)
	assert.Equal(t, []Status{StatusValidating, StatusNegotiating, StatusTransferring, StatusFinalizing, StatusComplete}, v.History)
	assert.Nil(t, v.Err)
	assert.Equal(t, int64(5*mib), v.BytesSent)
	require.NotNil(t, v.Target)
	assert.Equal(t, "videos/intro.mp4", v.Target.ObjectName)

	assert.Equal(t, 1, h.storage.puts)
	assert.Equal(t, 5*mib, h.storage.bytes)
	assert.Equal(t, "video/mp4", h.storage.ctype)
	assert.Equal(t, "https://storage.example.com/put/intro.mp4", h.storage.url)

	require.Len(t, h.api.finalized, 1)
	assert.Equal(t, api.FinalizeRequest{ObjectName: "videos/intro.mp4", Title: "Intro", Description: "Hello"}, h.api.finalized[0])

	assert.Equal(t, []Status{StatusNegotiating, StatusTransferring, StatusFinalizing, StatusComplete}, h.statuses())

	recs := h.history.all()
	require.Len(t, recs, 1)
	assert.Equal(t, history.StatusComplete, recs[0].Status)
	assert.Equal(t, "vid-1", recs[0].VideoID)
	assert.Equal(t, v.SessionID, recs[0].SessionID)
	assert.Equal(t, "direct", recs[0].Mode)

	assert.Equal(t, float64(1), counterValue(t, h.metrics.UploadStages, "complete"))
	assert.Equal(t, float64(5*mib), counterValue(t, h.metrics.UploadBytes, "direct"))

	assert.False(t, h.orch.CanSubmit(), "completed file is not held")
}

func TestOrchestrator_TooLarge(t *testing.T) {
	h := newHarness(t, Config{})

	opened := false
	file := NewFile("big.mp4", 200*mib, "video/mp4", func() (io.ReadCloser, error) {
		opened = true
		return nil, errors.New("should not open")
	})

	err := h.orch.Select(file)
	var uerr *Error
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, KindValidation, uerr.Kind)
	assert.Equal(t, "File size cannot exceed 100 MiB.", uerr.Reason)

	v := h.orch.View()
	assert.Equal(t, StatusFailed, v.Status)
	assert.Equal(t, []Status{StatusValidating, StatusFailed}, v.History)
	assert.False(t, h.orch.CanSubmit())

	_, err = h.orch.Submit(context.Background(), Metadata{Title: "t", Description: "d"})
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, ReasonNoFile, uerr.Reason)

	assert.Zero(t, h.api.calls())
	assert.Zero(t, h.storage.puts)
	assert.False(t, opened)
	assert.Empty(t, h.history.all(), "validation failures are not recorded")
	assert.Equal(t, float64(2), counterValue(t, h.metrics.UploadFailures, "validation"))
}

func TestOrchestrator_ValidationReasons(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		file   File
		reason string
	}{
		{
			name:   "unsupported type",
			file:   BytesFile("clip.avi", "video/x-msvideo", []byte("data")),
			reason: "Unsupported video format. Please use MP4, MOV, or MKV.",
		},
		{
			name:   "custom allow-list",
			cfg:    Config{AllowedTypes: []string{"video/mp4", "video/webm"}},
			file:   BytesFile("clip.mov", "video/quicktime", []byte("data")),
			reason: "Unsupported video format. Please use MP4 or WEBM.",
		},
		{
			name:   "empty file",
			file:   BytesFile("empty.mp4", "video/mp4", nil),
			reason: ReasonEmptyFile,
		},
		{
			name:   "custom size cap",
			cfg:    Config{MaxBytes: 1024},
			file:   mp4(2048),
			reason: "File size cannot exceed 1.0 KiB.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.cfg)
			err := h.orch.Select(tt.file)
			var uerr *Error
			require.ErrorAs(t, err, &uerr)
			assert.Equal(t, tt.reason, uerr.Reason)
			assert.Zero(t, h.api.calls())
		})
	}
}

func TestOrchestrator_MetadataRequired(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.orch.Select(mp4(1024)))
	first := h.orch.View().SessionID

	_, err := h.orch.Submit(context.Background(), Metadata{Title: "  ", Description: "d"})
	var uerr *Error
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, ReasonNoTitle, uerr.Reason)
	assert.Equal(t, StatusFailed, h.orch.View().Status)

	_, err = h.orch.Submit(context.Background(), Metadata{Title: "t"})
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, ReasonNoDescription, uerr.Reason)
	assert.Zero(t, h.api.calls())

	// The file is still held, so a corrected submit runs in a fresh session.
	assert.True(t, h.orch.CanSubmit())
	_, err = h.orch.Submit(context.Background(), Metadata{Title: "t", Description: "d"})
	require.NoError(t, err)

	v := h.orch.View()
	assert.Equal(t, StatusComplete, v.Status)
	assert.NotEqual(t, first, v.SessionID)
	assert.Equal(t, StatusValidating, v.History[0])
}

func TestOrchestrator_StatusNeverMovesBackward(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.orch.Select(mp4(64*1024)))
	_, err := h.orch.Submit(context.Background(), Metadata{Title: "t", Description: "d"})
	require.NoError(t, err)

	h.mu.Lock()
	defer h.mu.Unlock()
	last := -1
	var sent int64
	for _, p := range h.progress {
		rank := stageOrder[p.Status]
		assert.GreaterOrEqual(t, rank, last, "status went from rank %d to %s", last, p.Status)
		last = rank
		assert.GreaterOrEqual(t, p.BytesSent, sent)
		sent = p.BytesSent
	}
}

func TestOrchestrator_StorageDenied(t *testing.T) {
	h := newHarness(t, Config{})
	h.storage.err = &storage.StatusError{StatusCode: http.StatusForbidden, Body: "AccessDenied"}

	require.NoError(t, h.orch.Select(mp4(1024)))
	_, err := h.orch.Submit(context.Background(), Metadata{Title: "t", Description: "d"})

	var uerr *Error
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, KindTransfer, uerr.Kind)
	assert.Equal(t, StatusTransferring, uerr.Stage)
	assert.Equal(t, ReasonStorageDenied, uerr.Reason)
	assert.False(t, uerr.Orphaned())

	v := h.orch.View()
	assert.Equal(t, StatusFailed, v.Status)
	assert.Equal(t, []Status{StatusValidating, StatusNegotiating, StatusTransferring, StatusFailed}, v.History)
	assert.Zero(t, h.api.finalizeCalls)

	recs := h.history.all()
	require.Len(t, recs, 1)
	assert.Equal(t, history.StatusFailed, recs[0].Status)
	assert.Equal(t, "transferring", recs[0].Stage)
}

func TestOrchestrator_StorageRejectsBeforeBodyIsRead(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, "AccessDenied")
	}))
	defer ts.Close()

	h := newHarnessWithStorage(t, Config{}, storage.NewSignedURLUploader(ts.Client(), zerolog.Nop()))
	h.api.uploadURL = ts.URL + "/put/intro.mp4"

	require.NoError(t, h.orch.Select(mp4(8*mib)))
	_, err := h.orch.Submit(context.Background(), Metadata{Title: "t", Description: "d"})

	var uerr *Error
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, KindTransfer, uerr.Kind)
	assert.Equal(t, ReasonStorageDenied, uerr.Reason)

	// The transport may still be writing the request body.
	time.Sleep(100 * time.Millisecond)

	v := h.orch.View()
	assert.Equal(t, StatusFailed, v.Status)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.progress)
	failedAt := -1
	for i, p := range h.progress {
		if p.Status == StatusFailed {
			failedAt = i
			break
		}
	}
	require.GreaterOrEqual(t, failedAt, 0)
	assert.Len(t, h.progress, failedAt+1, "no progress after the session failed")
	assert.Equal(t, v.BytesSent, h.progress[failedAt].BytesSent)
}

func TestOrchestrator_NegotiationFailure(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{
			name:   "server message surfaced",
			err:    &api.Error{StatusCode: http.StatusBadRequest, Message: "Invalid file type"},
			reason: "Upload failed: Invalid file type",
		},
		{
			name:   "rate limited",
			err:    &api.Error{StatusCode: http.StatusTooManyRequests, Message: "Too many requests. Please try again later.", RetryAfter: 30e9},
			reason: "Too many requests. Please try again in 30 seconds.",
		},
		{
			name:   "transport error",
			err:    errors.New("connection refused"),
			reason: "Could not start upload: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.api.initiateErr = tt.err
			require.NoError(t, h.orch.Select(mp4(1024)))

			_, err := h.orch.Submit(context.Background(), Metadata{Title: "t", Description: "d"})
			var uerr *Error
			require.ErrorAs(t, err, &uerr)
			assert.Equal(t, KindNegotiation, uerr.Kind)
			assert.Equal(t, tt.reason, uerr.Reason)
			assert.ErrorIs(t, err, tt.err)
			assert.Zero(t, h.storage.puts)
		})
	}
}

func TestOrchestrator_FinalizeFailureOrphansObject(t *testing.T) {
	h := newHarness(t, Config{})
	h.api.finalizeErr = &api.Error{StatusCode: http.StatusInternalServerError}

	require.NoError(t, h.orch.Select(mp4(1024)))
	_, err := h.orch.Submit(context.Background(), Metadata{Title: "t", Description: "d"})

	var uerr *Error
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, KindFinalization, uerr.Kind)
	assert.True(t, uerr.Orphaned())
	assert.Equal(t, "Could not finalize upload: Internal Server Error", uerr.Reason)
	assert.Equal(t, 1, h.storage.puts)

	recs := h.history.all()
	require.Len(t, recs, 1)
	assert.Equal(t, history.StatusOrphaned, recs[0].Status)
	assert.Equal(t, "videos/intro.mp4", recs[0].ObjectName)
	assert.Empty(t, recs[0].VideoID)
}

func TestOrchestrator_BusyDuringTransfer(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.orch.Select(mp4(1024)))

	var busyErrs []error
	h.api.onInitiate = func() {
		assert.Equal(t, StatusNegotiating, h.orch.View().Status)
		assert.False(t, h.orch.CanSubmit())
		busyErrs = append(busyErrs,
			h.orch.Select(mp4(10)),
			h.orch.Reset(),
		)
		_, err := h.orch.Submit(context.Background(), Metadata{Title: "t", Description: "d"})
		busyErrs = append(busyErrs, err)
	}

	_, err := h.orch.Submit(context.Background(), Metadata{Title: "t", Description: "d"})
	require.NoError(t, err)

	require.Len(t, busyErrs, 3)
	for _, e := range busyErrs {
		assert.ErrorIs(t, e, ErrBusy)
	}
	assert.Equal(t, 1, h.api.initiateCalls)
}

func TestOrchestrator_Reset(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.orch.Select(mp4(1024)))
	require.NoError(t, h.orch.Reset())

	v := h.orch.View()
	assert.Equal(t, StatusIdle, v.Status)
	assert.Nil(t, v.File)
	assert.False(t, h.orch.CanSubmit())
}

func TestOrchestrator_Multipart(t *testing.T) {
	h := newHarness(t, Config{Mode: ModeMultipart})
	require.NoError(t, h.orch.Select(mp4(3*mib)))

	video, err := h.orch.Submit(context.Background(), Metadata{Title: "Intro", Description: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, "vid-mp", video.ID)

	v := h.orch.View()
	assert.Equal(t, []Status{StatusValidating, StatusTransferring, StatusComplete}, v.History)
	assert.Zero(t, h.api.initiateCalls)
	assert.Zero(t, h.storage.puts)
	require.Len(t, h.api.created, 1)
	assert.Equal(t, "intro.mp4", h.api.created[0].FileName)
	assert.Equal(t, "video/mp4", h.api.created[0].ContentType)
	assert.Equal(t, 3*mib, h.api.createdBytes)

	recs := h.history.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "multipart", recs[0].Mode)
}

func TestOrchestrator_CanceledContext(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	h.api.onInitiate = cancel
	h.api.initiateErr = context.Canceled

	require.NoError(t, h.orch.Select(mp4(1024)))
	_, err := h.orch.Submit(ctx, Metadata{Title: "t", Description: "d"})
	require.ErrorIs(t, err, context.Canceled)

	// The history write outlives the caller's context.
	require.Len(t, h.history.all(), 1)
}

func TestStatusLabel(t *testing.T) {
	assert.Equal(t, "Initializing upload...", StatusNegotiating.Label())
	assert.Equal(t, "Uploading video...", StatusTransferring.Label())
	assert.Equal(t, "Finalizing...", StatusFinalizing.Label())
	assert.Equal(t, "Upload complete!", StatusComplete.Label())
	assert.Empty(t, StatusIdle.Label())
}

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("type from extension", func(t *testing.T) {
		path := filepath.Join(dir, "clip.MOV")
		require.NoError(t, os.WriteFile(path, []byte("not really a movie"), 0600))

		f, err := OpenFile(path)
		require.NoError(t, err)
		assert.Equal(t, "clip.MOV", f.Name)
		assert.Equal(t, "video/quicktime", f.ContentType)
		assert.Equal(t, int64(18), f.Size)

		rc, err := f.Open()
		require.NoError(t, err)
		defer rc.Close()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "not really a movie", string(data))
	})

	t.Run("type sniffed without extension", func(t *testing.T) {
		path := filepath.Join(dir, "notes")
		require.NoError(t, os.WriteFile(path, []byte("plain text content\n"), 0600))

		f, err := OpenFile(path)
		require.NoError(t, err)
		assert.Equal(t, "text/plain", f.ContentType)
	})

	t.Run("directory rejected", func(t *testing.T) {
		_, err := OpenFile(dir)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := OpenFile(filepath.Join(dir, "missing.mp4"))
		assert.Error(t, err)
	})
}
