package preview

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hazyhaar/atelier/compiler"
	"github.com/hazyhaar/atelier/sandbox"
)

type project struct {
	id          string
	collections []string
	logger      *slog.Logger
	buffer      int
	sb          *sandbox.Sandbox
	stopFeed    context.CancelFunc

	// gen counts updates; an update only reaches the sandbox while it is
	// still the newest.
	gen atomic.Uint64

	// applyMu orders the generation check with the sends that follow it.
	applyMu sync.Mutex

	mu         sync.Mutex
	subs       map[chan sandbox.Message]struct{}
	compileErr *compiler.Error
	thumbGen   uint64
	thumb      []byte
}

func newProject(id string, collections []string, buffer int, logger *slog.Logger) *project {
	if collections == nil {
		collections = []string{}
	}
	return &project{
		id:          id,
		collections: collections,
		logger:      logger,
		buffer:      buffer,
		subs:        make(map[chan sandbox.Message]struct{}),
	}
}

// apply sends msgs if gen is still the newest update. A new module clears
// the last compile error.
func (p *project) apply(gen uint64, msgs []sandbox.Message, module bool) (bool, error) {
	p.applyMu.Lock()
	defer p.applyMu.Unlock()
	if p.gen.Load() != gen {
		return false, nil
	}
	for _, m := range msgs {
		if err := p.sb.Send(m); err != nil {
			return false, err
		}
	}
	if module {
		p.mu.Lock()
		p.compileErr = nil
		p.mu.Unlock()
	}
	return true, nil
}

// compileFailed records e and tells editors, unless gen is stale.
func (p *project) compileFailed(gen uint64, e *compiler.Error) {
	p.applyMu.Lock()
	defer p.applyMu.Unlock()
	if p.gen.Load() != gen {
		return
	}
	p.mu.Lock()
	p.compileErr = e
	p.mu.Unlock()
	msg, err := sandbox.NewMessage(EventCompileError, e)
	if err != nil {
		p.logger.Error("preview: encode compile error", "project", p.id, "error", err)
		return
	}
	p.broadcast(msg)
}

func (p *project) lastCompileError() *compiler.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.compileErr
}

// broadcast is the sandbox emitter. It never blocks: a subscriber whose
// backlog is full misses the message.
func (p *project) broadcast(msg sandbox.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.subs {
		select {
		case ch <- msg:
		default:
			p.logger.Warn("preview: subscriber backlog full, event dropped", "project", p.id, "event", msg.Event)
		}
	}
}

func (p *project) subscribe() (<-chan sandbox.Message, func()) {
	ch := make(chan sandbox.Message, p.buffer)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, ch)
			p.mu.Unlock()
		})
	}
}

// cachedThumb returns the thumbnail taken at gen, if any.
func (p *project) cachedThumb(gen uint64) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.thumb == nil || p.thumbGen != gen {
		return nil, false
	}
	return p.thumb, true
}

func (p *project) storeThumb(gen uint64, png []byte) {
	p.mu.Lock()
	p.thumbGen, p.thumb = gen, png
	p.mu.Unlock()
}

func (p *project) close() {
	if p.stopFeed != nil {
		p.stopFeed()
	}
	if err := p.sb.Close(); err != nil {
		p.logger.Warn("preview: close sandbox", "project", p.id, "error", err)
	}
}
