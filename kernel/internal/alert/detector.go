package alert

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/event"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/policy"
)

// DetectorConfig holds the anomaly thresholds. A count strictly greater than
// the threshold inside one window raises the alert once for that window.
type DetectorConfig struct {
	DenialThreshold       int
	DenialWindow          time.Duration
	SyscallBurstThreshold int
	SyscallBurstWindow    time.Duration
	// MaxSubjects bounds the number of tracked counters per kind.
	MaxSubjects int
}

// DefaultDetectorConfig mirrors the intrusion detection defaults.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		DenialThreshold:       10,
		DenialWindow:          60 * time.Second,
		SyscallBurstThreshold: 500,
		SyscallBurstWindow:    time.Second,
		MaxSubjects:           8192,
	}
}

type window struct {
	start time.Time
	count int
	fired bool
}

// Detector derives anomaly alerts from the stream of decided events.
type Detector struct {
	cfg DetectorConfig
	now func() time.Time

	mu      sync.Mutex
	denials *expirable.LRU[string, *window]
	bursts  *expirable.LRU[int, *window]
}

// NewDetector builds a detector. now may be nil.
func NewDetector(cfg DetectorConfig, now func() time.Time) *Detector {
	def := DefaultDetectorConfig()
	if cfg.DenialThreshold <= 0 {
		cfg.DenialThreshold = def.DenialThreshold
	}
	if cfg.DenialWindow <= 0 {
		cfg.DenialWindow = def.DenialWindow
	}
	if cfg.SyscallBurstThreshold <= 0 {
		cfg.SyscallBurstThreshold = def.SyscallBurstThreshold
	}
	if cfg.SyscallBurstWindow <= 0 {
		cfg.SyscallBurstWindow = def.SyscallBurstWindow
	}
	if cfg.MaxSubjects <= 0 {
		cfg.MaxSubjects = def.MaxSubjects
	}
	if now == nil {
		now = time.Now
	}
	return &Detector{
		cfg:     cfg,
		now:     now,
		denials: expirable.NewLRU[string, *window](cfg.MaxSubjects, nil, cfg.DenialWindow),
		bursts:  expirable.NewLRU[int, *window](cfg.MaxSubjects, nil, cfg.SyscallBurstWindow),
	}
}

// Observe accounts one decided event and returns the alerts it triggers.
// ev must be the event the decision was made for.
func (d *Detector) Observe(ev event.SecurityEvent, dec policy.Decision) []Alert {
	var out []Alert
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if dec.Verdict == policy.Deny {
		key := ev.Subject.Comm + "/" + strconv.Itoa(ev.Subject.PID)
		if n, hit := bump(d.denials, key, now, d.cfg.DenialWindow, d.cfg.DenialThreshold); hit {
			a := New(TypeRepeatedDenials, event.SeverityHigh, ev,
				fmt.Sprintf("%d denials within %s", n, d.cfg.DenialWindow))
			a.Details = map[string]string{"last_reason": dec.Reason}
			out = append(out, a)
		}
	}

	if ev.Kind == event.KindSyscall {
		if n, hit := bump(d.bursts, ev.Subject.PID, now, d.cfg.SyscallBurstWindow, d.cfg.SyscallBurstThreshold); hit {
			out = append(out, New(TypeSyscallBurst, event.SeverityMedium, ev,
				fmt.Sprintf("%d syscalls within %s", n, d.cfg.SyscallBurstWindow)))
		}
	}
	return out
}

// Forget drops the counters of an exited pid.
func (d *Detector) Forget(pid int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bursts.Remove(pid)
}

// bump counts one occurrence in a fixed window. The LRU TTL evicts idle keys;
// the start check restarts a window that outlived it while still hot.
func bump[K comparable](c *expirable.LRU[K, *window], key K, now time.Time, span time.Duration, threshold int) (int, bool) {
	w, ok := c.Get(key)
	if !ok || now.Sub(w.start) >= span {
		w = &window{start: now}
		c.Add(key, w)
	}
	w.count++
	if w.count > threshold && !w.fired {
		w.fired = true
		return w.count, true
	}
	return w.count, false
}
