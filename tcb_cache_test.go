package rawtcp

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCBCacheStoreAndLookup(t *testing.T) {
	cache := newTCBCache(DefaultTCBCacheConfig())
	defer cache.stop()

	remote := netip.MustParseAddr("10.0.0.2")
	cache.store(remote, 80*time.Millisecond, 20*time.Millisecond)

	srtt, rttvar, ok := cache.lookup(remote)
	require.True(t, ok)
	assert.Equal(t, 80*time.Millisecond, srtt)
	// The variance is inflated by the dampening factor, so the seeded RTO
	// is looser than the cached connection's final one.
	assert.Greater(t, rttvar, 20*time.Millisecond)

	_, _, ok = cache.lookup(netip.MustParseAddr("10.0.0.3"))
	assert.False(t, ok, "unknown host must miss")
}

func TestTCBCacheExpiry(t *testing.T) {
	cfg := TCBCacheConfig{Enabled: true, TTL: 20 * time.Millisecond, Dampening: 1}
	cache := newTCBCache(cfg)
	defer cache.stop()

	remote := netip.MustParseAddr("10.0.0.2")
	cache.store(remote, 50*time.Millisecond, 10*time.Millisecond)

	_, _, ok := cache.lookup(remote)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		_, _, ok := cache.lookup(remote)
		return !ok
	}, time.Second, 10*time.Millisecond, "entry must expire after its TTL")
}

func TestTCBCacheDisabled(t *testing.T) {
	cache := newTCBCache(TCBCacheConfig{Enabled: false})
	defer cache.stop()

	remote := netip.MustParseAddr("10.0.0.2")
	cache.store(remote, 50*time.Millisecond, 10*time.Millisecond)
	_, _, ok := cache.lookup(remote)
	assert.False(t, ok)
}

func TestTCBCacheSeedsNewConnections(t *testing.T) {
	e, _ := newTestEngine(t)
	remote := netip.MustParseAddr("10.0.0.2")
	e.tcbCache.store(remote, 100*time.Millisecond, 25*time.Millisecond)

	quad := Quad{
		Local:  netip.AddrPortFrom(e.local, 49152),
		Remote: netip.AddrPortFrom(remote, 80),
	}
	c := newConn(e, quad, nil)
	assert.Equal(t, 100*time.Millisecond, c.srtt)
	assert.Greater(t, c.rto, time.Duration(0))
	assert.Less(t, c.rto, e.cfg.InitialRTO, "seeded RTO replaces the initial default")
}
