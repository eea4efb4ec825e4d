package idgen

import (
	"errors"
	"runtime"
	"sync"
	"time"
)

var ErrClockBackward = errors.New("clock backward")

// epoch 2020-01-01T00:00:00Z, keeps the time field small
const startTimeMillis int64 = 1577836800000

const maxSeq = 0xffff

// Gen produces 64 bit process-unique, time-ordered identifiers:
// 48 bits of milliseconds since the epoch above plus a 16 bit sequence.
// Used for subscriber write request ids and resolver change versions,
// where ordering across restarts matters.
type Gen struct {
	lock sync.Mutex

	time int64
	seq  int64
}

func New() *Gen {
	return &Gen{}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func (g *Gen) Next() (uint64, error) {
	now := nowMillis()
	g.lock.Lock()
	defer g.lock.Unlock()

	switch {
	case now > g.time:
		g.time = now
		g.seq = 0
	case now == g.time:
		if g.seq >= maxSeq {
			g.time = g.tillNextMillisecond(now)
			g.seq = 0
		} else {
			g.seq++
		}
	default:
		return 0, ErrClockBackward
	}
	return uint64(g.time-startTimeMillis)<<16 | uint64(g.seq), nil
}

// MustNext spins past clock backward, which can only persist as long as
// the backward jump itself.
func (g *Gen) MustNext() uint64 {
	for {
		id, err := g.Next()
		if err == nil {
			return id
		}
		runtime.Gosched()
	}
}

func (g *Gen) tillNextMillisecond(t int64) int64 {
	for {
		now := nowMillis()
		if now > t {
			return now
		}
		runtime.Gosched()
	}
}
