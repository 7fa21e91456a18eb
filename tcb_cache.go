package rawtcp

import (
	"net/netip"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// TCBCacheConfig controls sharing of round-trip estimates between successive
// connections to the same remote host, in the spirit of RFC 2140 ensemble
// sharing.
type TCBCacheConfig struct {
	// Enabled turns the cache on. When off, every connection starts from
	// the initial RTO.
	Enabled bool `yaml:"enabled"`

	// TTL is how long a host's estimates stay usable without being
	// refreshed by a closing connection.
	TTL time.Duration `yaml:"ttl"`

	// Dampening scales cached estimates into a new connection, biasing the
	// seed toward the conservative side. 1.0 reuses them unchanged.
	Dampening float64 `yaml:"dampening"`
}

// DefaultTCBCacheConfig enables sharing with a 10 minute TTL and mild
// dampening.
func DefaultTCBCacheConfig() TCBCacheConfig {
	return TCBCacheConfig{
		Enabled:   true,
		TTL:       10 * time.Minute,
		Dampening: 0.75,
	}
}

// UnmarshalYAML overlays a mapping onto current values; TTL uses
// time.ParseDuration notation.
func (t *TCBCacheConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Enabled   *bool    `yaml:"enabled"`
		TTL       string   `yaml:"ttl"`
		Dampening *float64 `yaml:"dampening"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.Enabled != nil {
		t.Enabled = *raw.Enabled
	}
	if raw.Dampening != nil {
		t.Dampening = *raw.Dampening
	}
	return parseDuration(raw.TTL, &t.TTL)
}

type tcbEntry struct {
	srtt   time.Duration
	rttvar time.Duration
}

// tcbCache holds per-remote-host round-trip estimates left behind by closed
// connections. Entries expire on their own; the cache never grows beyond
// the hosts spoken to within one TTL.
type tcbCache struct {
	cfg   TCBCacheConfig
	cache *ttlcache.Cache[netip.Addr, tcbEntry]
}

func newTCBCache(cfg TCBCacheConfig) *tcbCache {
	t := &tcbCache{cfg: cfg}
	if !cfg.Enabled {
		return t
	}
	if cfg.TTL <= 0 {
		t.cfg.TTL = DefaultTCBCacheConfig().TTL
	}
	if cfg.Dampening <= 0 || cfg.Dampening > 1 {
		t.cfg.Dampening = DefaultTCBCacheConfig().Dampening
	}
	t.cache = ttlcache.New[netip.Addr, tcbEntry](
		ttlcache.WithTTL[netip.Addr, tcbEntry](t.cfg.TTL),
		ttlcache.WithDisableTouchOnHit[netip.Addr, tcbEntry](),
	)
	go t.cache.Start()
	return t
}

// store records a closing connection's estimates for the remote host. A
// connection that never sampled the RTT does not call store.
func (t *tcbCache) store(remote netip.Addr, srtt, rttvar time.Duration) {
	if t.cache == nil {
		return
	}
	t.cache.Set(remote, tcbEntry{srtt: srtt, rttvar: rttvar}, ttlcache.DefaultTTL)
	log.Debug().
		Str("remote", remote.String()).
		Dur("srtt", srtt).
		Msg("cached RTT estimate")
}

// lookup returns dampened estimates for the remote host, if present. The
// variance is scaled up by the same factor the smoothed RTT keeps, so the
// seeded RTO is never tighter than the cached one.
func (t *tcbCache) lookup(remote netip.Addr) (srtt, rttvar time.Duration, ok bool) {
	if t.cache == nil {
		return 0, 0, false
	}
	item := t.cache.Get(remote)
	if item == nil {
		return 0, 0, false
	}
	e := item.Value()
	srtt = e.srtt
	rttvar = time.Duration(float64(e.rttvar) / t.cfg.Dampening)
	return srtt, rttvar, true
}

func (t *tcbCache) stop() {
	if t.cache != nil {
		t.cache.Stop()
	}
}
