package rendezvous

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
)

type parked struct {
	conn    net.Conn
	claimed atomic.Bool
}

// Pool holds parked connections keyed by ChannelID. Entries that are not
// attached within the TTL are evicted and closed. Each entry can be
// attached at most once.
type Pool struct {
	items *cache.Cache
}

// NewPool returns a Pool whose entries live for ttl.
func NewPool(ttl time.Duration) *Pool {
	cleanup := ttl / 2
	if cleanup < time.Second {
		cleanup = time.Second
	}

	p := &Pool{items: cache.New(ttl, cleanup)}
	p.items.OnEvicted(func(_ string, v any) {
		e := v.(*parked)
		if e.claimed.CompareAndSwap(false, true) {
			_ = e.conn.Close()
		}
	})
	return p
}

// Park stores c under id.
func (p *Pool) Park(id ChannelID, c net.Conn) error {
	if err := p.items.Add(id.String(), &parked{conn: c}, cache.DefaultExpiration); err != nil {
		return ErrDuplicate
	}
	return nil
}

// Attach claims the connection parked under id. Concurrent attaches for the
// same id see exactly one winner; the rest, and any attach after expiry,
// get ErrNotFound.
func (p *Pool) Attach(id ChannelID) (net.Conn, error) {
	key := id.String()
	v, ok := p.items.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	e := v.(*parked)
	if !e.claimed.CompareAndSwap(false, true) {
		return nil, ErrNotFound
	}
	p.items.Delete(key)
	return e.conn, nil
}

// Discard removes and closes the connection parked under id, if it is still
// unclaimed.
func (p *Pool) Discard(id ChannelID) {
	p.items.Delete(id.String())
}

// Len counts entries, including expired ones not yet evicted.
func (p *Pool) Len() int {
	return p.items.ItemCount()
}

// Close evicts and closes every unclaimed entry.
func (p *Pool) Close() {
	p.items.DeleteExpired()
	for k := range p.items.Items() {
		p.items.Delete(k)
	}
}
