package mcpserver

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultMaxActors = 10000

// ActorLimiter keeps one token bucket per actor. A zero rate disables limiting.
//
// A bucket idle for a full minute has refilled completely, so it is dropped and
// recreated on the actor's next call. The least recently used buckets are also
// dropped once more than maxActors are tracked.
type ActorLimiter struct {
	mu            sync.Mutex
	byActor       map[string]*list.Element
	order         *list.List
	ratePerMinute int
	maxActors     int
	idle          time.Duration
	now           func() time.Time
}

type actorBucket struct {
	actor    string
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewActorLimiter(ratePerMinute int) *ActorLimiter {
	return &ActorLimiter{
		byActor:       make(map[string]*list.Element),
		order:         list.New(),
		ratePerMinute: ratePerMinute,
		maxActors:     defaultMaxActors,
		idle:          time.Minute,
		now:           time.Now,
	}
}

// Allow reports whether actor may make another mutating call now.
func (l *ActorLimiter) Allow(actor string) bool {
	if l == nil || l.ratePerMinute <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evictIdle(now)

	if elem, ok := l.byActor[actor]; ok {
		b := elem.Value.(*actorBucket)
		b.lastSeen = now
		l.order.MoveToFront(elem)
		return b.limiter.AllowN(now, 1)
	}

	b := &actorBucket{
		actor:    actor,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.ratePerMinute)), l.ratePerMinute),
		lastSeen: now,
	}
	l.byActor[actor] = l.order.PushFront(b)
	l.trim()
	return b.limiter.AllowN(now, 1)
}

func (l *ActorLimiter) evictIdle(now time.Time) {
	for elem := l.order.Back(); elem != nil; elem = l.order.Back() {
		b := elem.Value.(*actorBucket)
		if now.Sub(b.lastSeen) < l.idle {
			return
		}
		delete(l.byActor, b.actor)
		l.order.Remove(elem)
	}
}

func (l *ActorLimiter) trim() {
	for len(l.byActor) > l.maxActors {
		elem := l.order.Back()
		if elem == nil {
			return
		}
		delete(l.byActor, elem.Value.(*actorBucket).actor)
		l.order.Remove(elem)
	}
}

func (l *ActorLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byActor)
}
