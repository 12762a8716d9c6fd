package pull

import (
	"sync"

	"github.com/ocitool/ocitool/pkg/ocidigest"
)

// state holds every field the pull workers share, one mutex per field so no
// two locks are ever held at once. Each mutex's critical section is the
// smallest block of code that touches its field.
type state struct {
	existingMu sync.Mutex
	existing   map[ocidigest.Digest]struct{}

	queueMu sync.Mutex
	queue   []Downloadable

	pendingMu sync.Mutex
	pending   map[FullImage]int // outstanding digests still to be downloaded, per image

	bytesMu   sync.Mutex
	total     int64
	downloaded int64
}

func newState(seedExisting map[ocidigest.Digest]struct{}) *state {
	if seedExisting == nil {
		seedExisting = make(map[ocidigest.Digest]struct{})
	}
	return &state{
		existing: seedExisting,
		pending:  make(map[FullImage]int),
	}
}

// push appends an item to the LIFO queue.
func (s *state) push(d Downloadable) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.queue = append(s.queue, d)
}

// pop removes and returns the most recently pushed item.
func (s *state) pop() (Downloadable, bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) == 0 {
		return Downloadable{}, false
	}
	last := len(s.queue) - 1
	item := s.queue[last]
	s.queue = s.queue[:last]
	return item, true
}

// queueIfNotDownloaded records digest as known, pushes item onto the queue,
// and marks one more digest pending for img, unless digest was already
// known — in which case it returns false and nothing is queued. This is the
// single dedup invariant the whole pipeline's correctness rests on: a given
// digest is queued for download at most once across the entire run.
func (s *state) queueIfNotDownloaded(digest ocidigest.Digest, item Downloadable, img FullImage, size int64) bool {
	s.existingMu.Lock()
	if _, ok := s.existing[digest]; ok {
		s.existingMu.Unlock()
		return false
	}
	s.existing[digest] = struct{}{}
	s.existingMu.Unlock()

	s.pendingMu.Lock()
	s.pending[img]++
	s.pendingMu.Unlock()

	s.addTotal(size)
	s.push(item)
	return true
}

// alreadyKnown reports whether digest has already been queued or was
// present in the sink at pipeline startup, without queuing anything.
func (s *state) alreadyKnown(digest ocidigest.Digest) bool {
	s.existingMu.Lock()
	defer s.existingMu.Unlock()
	_, ok := s.existing[digest]
	return ok
}

// markKnown records digest as known without queuing it — used for an index
// or manifest fetched by tag whose digest was not yet known, since
// handleIndex commits that blob itself instead of queuing it.
func (s *state) markKnown(digest ocidigest.Digest) {
	s.existingMu.Lock()
	defer s.existingMu.Unlock()
	s.existing[digest] = struct{}{}
}

// complete decrements img's pending count by one and reports whether img
// has no further downloads outstanding.
func (s *state) complete(img FullImage) (imageDone bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pending[img]--
	return s.pending[img] <= 0
}

func (s *state) addTotal(n int64) {
	if n == 0 {
		return
	}
	s.bytesMu.Lock()
	defer s.bytesMu.Unlock()
	s.total += n
}

func (s *state) addDownloaded(n int64) {
	if n == 0 {
		return
	}
	s.bytesMu.Lock()
	defer s.bytesMu.Unlock()
	s.downloaded += n
}

// Progress returns the current (downloaded, total) byte counters.
func (s *state) Progress() (downloaded, total int64) {
	s.bytesMu.Lock()
	defer s.bytesMu.Unlock()
	return s.downloaded, s.total
}
