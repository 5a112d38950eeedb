package relay

import (
	"context"
	"sync"
	"time"

	"ChannelGateway/service/protocol"
)

// DefaultDedupeWindow covers broker redelivery after a consumer rebalance.
const DefaultDedupeWindow = time.Minute

// Dedupe wraps h so that an envelope id is handled at most once per window.
// Envelopes without an id always pass.
func Dedupe(h Handler, window time.Duration) Handler {
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	s := &seenSet{m: make(map[string]time.Time), ttl: window, now: time.Now}
	return func(ctx context.Context, env *protocol.Envelope) {
		if env.ID != "" && s.seenOnce(env.ID) {
			return
		}
		h(ctx, env)
	}
}

// seenSet 内存去重，过期项在访问时顺带清理
type seenSet struct {
	mu    sync.Mutex
	m     map[string]time.Time // id -> expire
	ttl   time.Duration
	now   func() time.Time
	swept time.Time
}

func (s *seenSet) seenOnce(key string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.swept) >= s.ttl {
		for k, exp := range s.m {
			if !exp.After(now) {
				delete(s.m, k)
			}
		}
		s.swept = now
	}
	if exp, ok := s.m[key]; ok && exp.After(now) {
		return true
	}
	s.m[key] = now.Add(s.ttl)
	return false
}
