package comments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/MacJediWizard/minitube/internal/api"
)

type fakeAPI struct {
	mu        sync.Mutex
	snapshots map[string][]api.Comment
	gates     map[string]chan struct{}
	listCalls map[string]int
	posts     []string
	postErr   error
	onPost    func(videoID, message string)
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		snapshots: make(map[string][]api.Comment),
		gates:     make(map[string]chan struct{}),
		listCalls: make(map[string]int),
	}
}

func (f *fakeAPI) setSnapshot(videoID string, comments ...api.Comment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[videoID] = comments
}

// gate makes ListComments for videoID block until the returned func is called.
// The gate ignores cancellation so late responses can be exercised.
func (f *fakeAPI) gate(videoID string) func() {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[videoID] = ch
	f.mu.Unlock()
	return func() { close(ch) }
}

func (f *fakeAPI) ListComments(_ context.Context, videoID string) ([]api.Comment, error) {
	f.mu.Lock()
	f.listCalls[videoID]++
	gate := f.gates[videoID]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot := make([]api.Comment, len(f.snapshots[videoID]))
	copy(snapshot, f.snapshots[videoID])
	return snapshot, nil
}

func (f *fakeAPI) CreateComment(_ context.Context, videoID, message string) (*api.Comment, error) {
	f.mu.Lock()
	f.posts = append(f.posts, videoID+":"+message)
	err := f.postErr
	onPost := f.onPost
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if onPost != nil {
		onPost(videoID, message)
	}
	return &api.Comment{VideoID: videoID, Message: message}, nil
}

func (f *fakeAPI) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func (f *fakeAPI) listCount(videoID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls[videoID]
}

type fakeChannel struct {
	videoID  string
	token    string
	payloads chan []byte
	failures chan error
	closed   chan struct{}
	once     sync.Once
}

func newFakeChannel(videoID, token string) *fakeChannel {
	return &fakeChannel{
		videoID:  videoID,
		token:    token,
		payloads: make(chan []byte, 64),
		failures: make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (c *fakeChannel) Read() ([]byte, error) {
	select {
	case <-c.closed:
		return nil, io.EOF
	default:
	}
	select {
	case data := <-c.payloads:
		return data, nil
	case err := <-c.failures:
		return nil, err
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// push delivers a comment record as the server would.
func (c *fakeChannel) push(cm api.Comment) {
	data, err := json.Marshal(cm)
	if err != nil {
		panic(err)
	}
	c.payloads <- data
}

func (c *fakeChannel) pushRaw(data string) {
	c.payloads <- []byte(data)
}

// drop simulates an abrupt close by the network.
func (c *fakeChannel) drop() {
	c.failures <- errors.New("connection reset by peer")
}

type fakeDialer struct {
	mu       sync.Mutex
	channels []*fakeChannel
	failures int
	// onDial runs before each dial is answered.
	onDial func(videoID string)
}

func (d *fakeDialer) Dial(ctx context.Context, videoID, token string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	onDial := d.onDial
	if d.failures > 0 {
		d.failures--
		d.mu.Unlock()
		return nil, fmt.Errorf("dial %s: connection refused", videoID)
	}
	d.mu.Unlock()

	if onDial != nil {
		onDial(videoID)
	}

	ch := newFakeChannel(videoID, token)
	d.mu.Lock()
	d.channels = append(d.channels, ch)
	d.mu.Unlock()
	return ch, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.channels)
}

func (d *fakeDialer) channel(i int) *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.channels) {
		return nil
	}
	return d.channels[i]
}

func (d *fakeDialer) last() *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		return nil
	}
	return d.channels[len(d.channels)-1]
}

func comment(id int64, videoID, msg string) api.Comment {
	return api.Comment{
		ID:        id,
		UserID:    "u1",
		VideoID:   videoID,
		Message:   msg,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, int(id), 0, time.UTC),
		User:      api.User{Username: "ada"},
	}
}

func ids(comments []api.Comment) []int64 {
	out := make([]int64, len(comments))
	for i, cm := range comments {
		out[i] = cm.ID
	}
	return out
}
