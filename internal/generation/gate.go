package generation

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	errordefs "github.com/promptloom/promptloom-go/internal/errors"
	"github.com/promptloom/promptloom-go/internal/model"
)

// sessionState is the per-session in-flight flag.
type sessionState struct {
	inFlight atomic.Bool
}

// Gates rejects a second batch from a session while its first is running.
// Idle session states expire after ttl.
type Gates struct {
	mu     sync.Mutex
	states *cache.Cache
}

// NewGates creates an empty gate set.
func NewGates(ttl time.Duration) *Gates {
	return &Gates{states: cache.New(ttl, 2*ttl)}
}

func (g *Gates) state(key string) *sessionState {
	if v, ok := g.states.Get(key); ok {
		return v.(*sessionState)
	}
	s := &sessionState{}
	g.states.SetDefault(key, s)
	return s
}

// TryAcquire marks key as busy. The returned release must be called when the
// batch finishes. An empty key is never gated. A busy session never expires;
// the idle ttl starts again on release.
func (g *Gates) TryAcquire(key string) (release func(), err error) {
	if key == "" {
		return func() {}, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.state(key)
	if !s.inFlight.CompareAndSwap(false, true) {
		return nil, errordefs.New(errordefs.PL_BUSY,
			"a generation is already in progress for this session; try again when it finishes", "")
	}
	g.states.Set(key, s, cache.NoExpiration)

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			s.inFlight.Store(false)
			g.states.SetDefault(key, s)
		})
	}, nil
}

// GateKey is the session a request is gated on: its session id, falling back
// to the caller.
func GateKey(req model.GenerationRequest) string {
	if req.SessionID != "" {
		return req.CallerID + "/" + req.SessionID
	}
	return req.CallerID
}
