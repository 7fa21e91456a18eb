package rawtcp

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// AdmissionAction specifies what happens to a SYN the admission check
// rejects.
type AdmissionAction string

const (
	// AdmissionActionReject answers the SYN with a RST (default).
	AdmissionActionReject AdmissionAction = "reject"
	// AdmissionActionDrop discards the SYN silently.
	AdmissionActionDrop AdmissionAction = "drop"
)

// AdmissionConfig configures passive-open admission control. Limit values
// of 0 mean disabled.
type AdmissionConfig struct {
	// MaxConcurrent caps simultaneously live passive-open connections.
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxPerPeerPerMinute caps SYNs admitted from a single remote address
	// per minute.
	MaxPerPeerPerMinute int `yaml:"max_per_peer_per_minute"`

	// MaxTotalPerMinute caps SYNs admitted across all peers per minute.
	MaxTotalPerMinute int `yaml:"max_total_per_minute"`

	// Action is taken when a limit or the access policy rejects a SYN.
	Action AdmissionAction `yaml:"action"`

	// Allow, when non-empty, admits SYNs only from addresses inside one of
	// the prefixes. Deny always rejects matching addresses and is checked
	// first.
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// DefaultAdmissionConfig returns the default configuration: no rate or
// concurrency limits, no address filtering, rejected SYNs answered with RST.
func DefaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{
		Action: AdmissionActionReject,
	}
}

type admitVerdict int

const (
	admitAllow admitVerdict = iota
	admitReject
	admitDrop
)

// synHistory tracks admission timestamps inside a sliding one-minute window.
type synHistory struct {
	timestamps []time.Time
}

func (h *synHistory) countSince(cutoff time.Time) int {
	// Drop expired entries while counting; the slice stays small.
	i := 0
	for i < len(h.timestamps) && h.timestamps[i].Before(cutoff) {
		i++
	}
	h.timestamps = h.timestamps[i:]
	return len(h.timestamps)
}

func (h *synHistory) record(t time.Time) {
	h.timestamps = append(h.timestamps, t)
}

// admissionControl enforces the passive-open admission policy: address
// filtering, per-peer and total SYN rates, and a concurrency cap.
type admissionControl struct {
	cfg AdmissionConfig

	allow []netip.Prefix
	deny  []netip.Prefix

	mu       sync.Mutex
	active   int
	perPeer  map[netip.Addr]*synHistory
	total    synHistory
	lastScan time.Time
}

func newAdmissionControl(cfg AdmissionConfig) (*admissionControl, error) {
	if cfg.Action == "" {
		cfg.Action = AdmissionActionReject
	}
	if cfg.Action != AdmissionActionReject && cfg.Action != AdmissionActionDrop {
		return nil, fmt.Errorf("admission: unknown action %q", cfg.Action)
	}
	a := &admissionControl{
		cfg:     cfg,
		perPeer: make(map[netip.Addr]*synHistory),
	}
	var err error
	if a.allow, err = parsePrefixes(cfg.Allow); err != nil {
		return nil, fmt.Errorf("admission: allow list: %w", err)
	}
	if a.deny, err = parsePrefixes(cfg.Deny); err != nil {
		return nil, fmt.Errorf("admission: deny list: %w", err)
	}
	return a, nil
}

// parsePrefixes accepts CIDR prefixes and bare addresses (treated as /32).
func parsePrefixes(entries []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		if p, err := netip.ParsePrefix(entry); err == nil {
			prefixes = append(prefixes, p)
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("not a prefix or address: %q", entry)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func matchesAny(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// admit decides the fate of one inbound SYN from the remote address. An
// admitAllow verdict counts toward the concurrency cap and must be balanced
// by release when the connection leaves the table.
func (a *admissionControl) admit(remote netip.Addr) admitVerdict {
	if matchesAny(a.deny, remote) {
		log.Warn().Str("remote", remote.String()).Msg("SYN from denied address")
		return a.rejectVerdict()
	}
	if len(a.allow) > 0 && !matchesAny(a.allow, remote) {
		log.Warn().Str("remote", remote.String()).Msg("SYN from address outside allow list")
		return a.rejectVerdict()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cfg.MaxConcurrent > 0 && a.active >= a.cfg.MaxConcurrent {
		log.Warn().Int("active", a.active).Msg("concurrent connection limit reached")
		return a.rejectVerdict()
	}

	now := time.Now()
	cutoff := now.Add(-time.Minute)

	if a.cfg.MaxTotalPerMinute > 0 && a.total.countSince(cutoff) >= a.cfg.MaxTotalPerMinute {
		log.Warn().Msg("total SYN rate limit reached")
		return a.rejectVerdict()
	}
	if a.cfg.MaxPerPeerPerMinute > 0 {
		h := a.perPeer[remote]
		if h == nil {
			h = &synHistory{}
			a.perPeer[remote] = h
		}
		if h.countSince(cutoff) >= a.cfg.MaxPerPeerPerMinute {
			log.Warn().Str("remote", remote.String()).Msg("per-peer SYN rate limit reached")
			return a.rejectVerdict()
		}
		h.record(now)
	}
	if a.cfg.MaxTotalPerMinute > 0 {
		a.total.record(now)
	}
	a.active++
	a.sweepLocked(now)
	return admitAllow
}

func (a *admissionControl) rejectVerdict() admitVerdict {
	if a.cfg.Action == AdmissionActionDrop {
		return admitDrop
	}
	return admitReject
}

// release balances one admitAllow verdict.
func (a *admissionControl) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active > 0 {
		a.active--
	}
}

// sweepLocked drops per-peer entries with no recent admissions so the map
// does not grow with every address ever seen.
func (a *admissionControl) sweepLocked(now time.Time) {
	if now.Sub(a.lastScan) < time.Minute {
		return
	}
	a.lastScan = now
	cutoff := now.Add(-time.Minute)
	for addr, h := range a.perPeer {
		if h.countSince(cutoff) == 0 {
			delete(a.perPeer, addr)
		}
	}
}
