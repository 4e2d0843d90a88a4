// Package hub is the Job Channel Registry: one broadcast channel per job id that live viewers
// can attach to while the job's events are being produced.
package hub

import (
	"context"
	"sync"

	"github.com/dontdude/syscore/internal/domain"
)

// DefaultBuffer is the per-subscriber queue length used when none is configured.
const DefaultBuffer = 64

// Registry maps job ids to broadcast channels. It is safe for concurrent use.
// The lock only covers map access and non-blocking sends.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*channel
	buffer   int
}

type channel struct {
	subs map[*Subscription]struct{}
}

// Subscription is one viewer attached to a job.
type Subscription struct {
	// C receives every message published after the subscription was made.
	// It is closed when the job's channel closes, when the subscriber falls too far behind, or on Close.
	C <-chan string

	c      chan string
	reg    *Registry
	jobID  string
	closed bool
}

// Check if Registry implements domain.Broadcaster
var _ domain.Broadcaster = (*Registry)(nil)

// New returns an empty registry. Each subscriber may queue up to buffer messages.
func New(buffer int) *Registry {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Registry{
		channels: make(map[string]*channel),
		buffer:   buffer,
	}
}

// Register creates the channel for jobID. Registering an existing job is a no-op.
func (r *Registry) Register(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerLocked(jobID)
}

func (r *Registry) registerLocked(jobID string) *channel {
	ch, ok := r.channels[jobID]
	if !ok {
		ch = &channel{subs: make(map[*Subscription]struct{})}
		r.channels[jobID] = ch
	}
	return ch
}

// Publish delivers msg to every current subscriber of jobID. It never blocks: a subscriber
// whose queue is full is disconnected. It reports whether the job has a channel.
func (r *Registry) Publish(jobID, msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[jobID]
	if !ok {
		return false
	}
	for sub := range ch.subs {
		select {
		case sub.c <- msg:
		default:
			r.dropLocked(ch, sub)
		}
	}
	return true
}

// Subscribe attaches to jobID. Unknown jobs yield (nil, false); that is a normal answer.
func (r *Registry) Subscribe(jobID string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[jobID]
	if !ok {
		return nil, false
	}
	c := make(chan string, r.buffer)
	sub := &Subscription{C: c, c: c, reg: r, jobID: jobID}
	ch.subs[sub] = struct{}{}
	return sub, true
}

// Close ends jobID's channel, closing every subscription. Unknown ids are ignored.
func (r *Registry) Close(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[jobID]
	if !ok {
		return
	}
	for sub := range ch.subs {
		r.dropLocked(ch, sub)
	}
	delete(r.channels, jobID)
}

// Len reports how many jobs currently have a channel.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Subscribers reports how many viewers are attached to jobID.
func (r *Registry) Subscribers(jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[jobID]; ok {
		return len(ch.subs)
	}
	return 0
}

// Broadcast registers jobID on first use and publishes msg to it.
func (r *Registry) Broadcast(_ context.Context, jobID, msg string) error {
	r.mu.Lock()
	r.registerLocked(jobID)
	r.mu.Unlock()

	r.Publish(jobID, msg)
	return nil
}

// Done closes jobID's channel.
func (r *Registry) Done(_ context.Context, jobID string) error {
	r.Close(jobID)
	return nil
}

func (r *Registry) dropLocked(ch *channel, sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(ch.subs, sub)
	close(sub.c)
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	if ch, ok := s.reg.channels[s.jobID]; ok {
		s.reg.dropLocked(ch, s)
	}
}
