package devserver

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/MacJediWizard/minitube/internal/api"
)

var (
	errObjectNotFound  = errors.New("object not found")
	errObjectNotStored = errors.New("object has not been uploaded")
	errBadSignature    = errors.New("invalid or expired upload signature")
)

// object is a storage object announced by initiate-upload.
type object struct {
	name        string
	owner       string
	contentType string
	signature   string
	expires     time.Time
	data        []byte
	stored      bool
}

// memStore keeps comments, videos and uploaded objects in memory.
type memStore struct {
	mu            sync.Mutex
	nextCommentID int64
	comments      map[string][]api.Comment
	videos        map[string]*api.Video
	objects       map[string]*object
}

func newMemStore() *memStore {
	return &memStore{
		comments: make(map[string][]api.Comment),
		videos:   make(map[string]*api.Video),
		objects:  make(map[string]*object),
	}
}

// listComments returns videoID's comments oldest first.
func (s *memStore) listComments(videoID string) []api.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Clone(s.comments[videoID])
	if out == nil {
		out = []api.Comment{}
	}
	return out
}

func (s *memStore) addComment(c api.Comment) api.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCommentID++
	c.ID = s.nextCommentID
	s.comments[c.VideoID] = append(s.comments[c.VideoID], c)
	return c
}

func (s *memStore) addVideo(v api.Video) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videos[v.ID] = &v
}

func (s *memStore) getVideo(id string) (api.Video, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[id]
	if !ok {
		return api.Video{}, false
	}
	return *v, true
}

// announce registers a pending object and returns its upload signature.
func (s *memStore) announce(name, owner, contentType string, ttl time.Duration) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	sig := hex.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[name] = &object{
		name:        name,
		owner:       owner,
		contentType: contentType,
		signature:   sig,
		expires:     time.Now().Add(ttl),
	}
	return sig, nil
}

// put stores data for name when sig and contentType match the announcement.
func (s *memStore) put(name, sig, contentType string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[name]
	if !ok || obj.signature != sig || time.Now().After(obj.expires) || obj.contentType != contentType {
		return errBadSignature
	}
	obj.data = data
	obj.stored = true
	return nil
}

// storeDirect records an object received in a multipart upload.
func (s *memStore) storeDirect(name, owner, contentType string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[name] = &object{
		name:        name,
		owner:       owner,
		contentType: contentType,
		data:        data,
		stored:      true,
	}
}

// stored checks that owner uploaded name.
func (s *memStore) stored(name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[name]
	switch {
	case !ok || obj.owner != owner:
		return errObjectNotFound
	case !obj.stored:
		return errObjectNotStored
	}
	return nil
}

// objectSize returns the stored size of name, or -1 if absent.
func (s *memStore) objectSize(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[name]
	if !ok || !obj.stored {
		return -1
	}
	return len(obj.data)
}
