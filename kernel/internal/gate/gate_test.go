package gate_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/alert"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/event"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/gate"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/integrity"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/ledger"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/policy"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/quarantine"
)

var testRules = []policy.Rule{
	{ID: "allow-open", Priority: 10, Action: policy.ActionAllow, Match: policy.Match{Kinds: []event.Kind{event.KindSyscall}, Subjects: []string{"svc"}, Syscalls: []string{"openat"}}},
	{ID: "allow-mem", Priority: 20, Action: policy.ActionAllow, Match: policy.Match{Kinds: []event.Kind{event.KindMemoryWrite}}},
	{ID: "allow-exec", Priority: 30, Action: policy.ActionAllow, Match: policy.Match{Kinds: []event.Kind{event.KindExec, event.KindExit}}},
}

type recordingSink struct {
	mu  sync.Mutex
	got []alert.Alert
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Send(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, a)
	return nil
}

func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) types() []alert.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []alert.Type
	for _, a := range r.got {
		out = append(out, a.Type)
	}
	return out
}

type failingStore struct {
	*ledger.MemoryStore
}

func (failingStore) Append(context.Context, *ledger.Entry) error {
	return errors.New("disk full")
}

type fixture struct {
	gate       *gate.Gate
	store      ledger.Store
	ledger     *ledger.Ledger
	tracker    *integrity.Tracker
	quarantine *quarantine.Registry
	alerts     *alert.Dispatcher
	sink       *recordingSink
}

func newFixture(t *testing.T, store ledger.Store, opts ...gate.Option) *fixture {
	t.Helper()
	ctx := context.Background()
	n, err := event.NewNormalizer()
	require.NoError(t, err)
	engine, err := policy.NewEngine(testRules, policy.DefaultGuards(policy.DefaultGuardConfig())...)
	require.NoError(t, err)
	l, err := ledger.Open(ctx, store)
	require.NoError(t, err)

	f := &fixture{
		store:      store,
		ledger:     l,
		tracker:    integrity.NewTracker(),
		quarantine: quarantine.NewRegistry(),
		sink:       &recordingSink{},
	}
	f.alerts = alert.NewDispatcher([]alert.Sink{f.sink})
	t.Cleanup(func() { _ = f.alerts.Close() })

	opts = append([]gate.Option{
		gate.WithQuarantine(f.quarantine),
		gate.WithAlerts(f.alerts),
		gate.WithDetector(alert.NewDetector(alert.DefaultDetectorConfig(), nil)),
	}, opts...)
	f.gate, err = gate.New(n, engine, f.tracker, l, opts...)
	require.NoError(t, err)
	return f
}

func (f *fixture) submit(payload string) gate.Outcome {
	return f.gate.Submit(context.Background(), event.RawNotification{Format: event.FormatJSON, Payload: []byte(payload)})
}

func syscallJSON(pid int, name string) string {
	return fmt.Sprintf(`{"type":"syscall","pid":%d,"ppid":1,"comm":"svc","syscall":%q}`, pid, name)
}

func TestSubmitConcurrentMix(t *testing.T) {
	f := newFixture(t, ledger.NewMemoryStore())

	comms := []string{"svc"}
	for i := 1; i <= 9; i++ {
		comms = append(comms, fmt.Sprintf("s%d", i))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := map[string]int{}
	denied := map[string]int{}
	for c, comm := range comms {
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(pid int, comm string) {
				defer wg.Done()
				payload := fmt.Sprintf(`{"type":"syscall","pid":%d,"ppid":1,"comm":%q,"syscall":"openat"}`, pid, comm)
				out := f.submit(payload)
				mu.Lock()
				defer mu.Unlock()
				if out.Proceed {
					allowed[comm]++
				} else {
					denied[comm]++
				}
			}(1000+c*10+i%10, comm)
		}
	}
	wg.Wait()

	assert.Equal(t, map[string]int{"svc": 100}, allowed)
	total := 0
	for comm, n := range denied {
		assert.NotEqual(t, "svc", comm)
		assert.Equal(t, 100, n, comm)
		total += n
	}
	assert.Equal(t, 900, total)
	assert.Equal(t, uint64(1000), f.ledger.Head().Sequence)

	res, err := f.ledger.Verify(context.Background(), nil, 0, 0)
	require.NoError(t, err)
	assert.True(t, res.OK, res.Reason)
	assert.Equal(t, 1000, res.Checked)

	entries, err := f.store.Range(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1000)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Sequence)
		if i > 0 {
			assert.Equal(t, entries[i-1].EntryHash, e.PrevHash)
		}
		assert.Equal(t, e.Event.Subject.Comm == "svc", e.Decision.Verdict == policy.Allow, e.Event.Subject.Comm)
	}
}

func TestSubmitStates(t *testing.T) {
	f := newFixture(t, ledger.NewMemoryStore())

	out := f.submit(syscallJSON(10, "openat"))
	assert.True(t, out.Proceed)
	assert.Equal(t, policy.Allow, out.Verdict)
	assert.Equal(t, gate.StateProceed, out.State)
	assert.Equal(t, gate.StateLogged, out.Reached)
	assert.Equal(t, uint64(1), out.Sequence)
	assert.Equal(t, "allow-open", out.Decision.MatchedRuleID)

	out = f.submit(syscallJSON(10, "unlink"))
	assert.False(t, out.Proceed)
	assert.Equal(t, gate.StateAbort, out.State)
	assert.Equal(t, gate.StateLogged, out.Reached)
	assert.Equal(t, "no matching rule", out.Reason)
	assert.Equal(t, uint64(2), out.Sequence)

	out = f.submit(syscallJSON(10, "ptrace"))
	assert.Equal(t, policy.Deny, out.Verdict)
	assert.Equal(t, "syscall_denylist", out.Decision.Guard)
	assert.Equal(t, uint64(3), out.Sequence)
}

func TestSubmitMalformedLeavesNoEntry(t *testing.T) {
	f := newFixture(t, ledger.NewMemoryStore())

	for _, payload := range []string{
		`{"type":"syscall","pid":1}`,
		`not json`,
		`{"type":"teleport","pid":5,"comm":"svc"}`,
	} {
		out := f.submit(payload)
		assert.False(t, out.Proceed, payload)
		assert.Equal(t, gate.StateAbort, out.State)
		assert.Equal(t, gate.StateIntercepted, out.Reached)
		assert.True(t, errors.Is(out.Err, event.ErrMalformedEvent), payload)
	}
	assert.Equal(t, uint64(0), f.ledger.Head().Sequence)
}

func TestStorageUnavailableDenies(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	f := newFixture(t, failingStore{ledger.NewMemoryStore()}, gate.WithLogger(zap.New(core)))

	out := f.submit(syscallJSON(10, "openat"))
	assert.False(t, out.Proceed)
	assert.Equal(t, policy.Deny, out.Verdict)
	assert.Equal(t, gate.StateEvaluated, out.Reached)
	assert.True(t, errors.Is(out.Err, ledger.ErrStorageUnavailable))
	assert.Equal(t, uint64(0), f.ledger.Head().Sequence)

	require.Equal(t, 1, logs.FilterMessage("audit fallback").Len())

	require.NoError(t, f.alerts.Close())
	assert.Contains(t, f.sink.types(), alert.TypeStorageUnavailable)
}

func TestTamperRecordsViolationFirst(t *testing.T) {
	f := newFixture(t, ledger.NewMemoryStore())
	ctx := context.Background()

	mem := func(digest string) string {
		return fmt.Sprintf(`{"type":"memory_write","pid":200,"ppid":1,"comm":"svc","region":"text","digest":%q}`, digest)
	}

	out := f.submit(mem("aaaaaaaaaaaaaaaa"))
	require.True(t, out.Proceed)
	assert.False(t, out.Tampered)

	out = f.submit(mem("bbbbbbbbbbbbbbbb"))
	assert.False(t, out.Proceed)
	assert.True(t, out.Tampered)
	assert.Equal(t, "integrity", out.Decision.Guard)
	assert.Equal(t, uint64(3), out.Sequence)

	violation, err := f.ledger.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, event.KindIntegrityViolation, violation.Event.Kind)
	assert.Equal(t, event.SeverityHigh, violation.Event.Severity)
	assert.Equal(t, "aaaaaaaaaaaaaaaa", violation.Event.RawArgs["expected_digest"])

	trigger, err := f.ledger.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, trigger.Event.ID, violation.Event.RawArgs["source_event_id"])

	assert.True(t, f.quarantine.IsQuarantined(200, ""))

	// everything from the quarantined pid is now denied
	out = f.submit(syscallJSON(200, "openat"))
	assert.False(t, out.Proceed)
	assert.Equal(t, "quarantine", out.Decision.Guard)

	res, err := f.ledger.Verify(ctx, nil, 0, 0)
	require.NoError(t, err)
	assert.True(t, res.OK)

	require.NoError(t, f.alerts.Close())
	assert.Contains(t, f.sink.types(), alert.TypeTamper)
}

type slowPublisher struct {
	delay time.Duration
	mu    sync.Mutex
	got   []string
}

func (p *slowPublisher) PublishBinary(ctx context.Context, hash string, _ bool) error {
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, hash)
	return nil
}

func TestTamperDoesNotWaitOnFleetPublish(t *testing.T) {
	f := newFixture(t, ledger.NewMemoryStore())
	slow := &slowPublisher{delay: 300 * time.Millisecond}
	pub := quarantine.NewAsyncPublisher(slow, 8, time.Second, nil)
	f.quarantine.SetPublisher(pub)

	out := f.submit(`{"type":"exec","pid":210,"ppid":1,"comm":"svc","digest":"0123456789abcdef"}`)
	require.True(t, out.Proceed)
	mem := func(digest string) string {
		return fmt.Sprintf(`{"type":"memory_write","pid":210,"ppid":1,"comm":"svc","region":"text","digest":%q}`, digest)
	}
	require.True(t, f.submit(mem("aaaaaaaaaaaaaaaa")).Proceed)

	start := time.Now()
	out = f.submit(mem("bbbbbbbbbbbbbbbb"))
	elapsed := time.Since(start)
	assert.True(t, out.Tampered)
	assert.False(t, out.Proceed)
	assert.Less(t, elapsed, 200*time.Millisecond)

	// local isolation is immediate, fleet propagation follows
	assert.True(t, f.quarantine.IsQuarantined(0, "0123456789abcdef"))
	pub.Close()
	assert.Equal(t, []string{"0123456789abcdef"}, slow.got)
}

func TestExecRebaselinesAndExitForgets(t *testing.T) {
	f := newFixture(t, ledger.NewMemoryStore())

	out := f.submit(`{"type":"exec","pid":300,"ppid":77,"comm":"svc","target":"/usr/bin/svc","digest":"0123456789abcdef"}`)
	require.True(t, out.Proceed)

	b, ok := f.tracker.Snapshot(300)
	require.True(t, ok)
	assert.Equal(t, "0123456789abcdef", b.BinaryHash)
	assert.False(t, b.ParentKnown)

	out = f.submit(`{"type":"exit","pid":300,"ppid":77,"comm":"svc"}`)
	require.True(t, out.Proceed)
	_, ok = f.tracker.Snapshot(300)
	assert.False(t, ok)
	assert.Equal(t, uint64(2), f.ledger.Head().Sequence)

	require.NoError(t, f.alerts.Close())
	assert.Contains(t, f.sink.types(), alert.TypeUnknownParent)
}

func TestQuarantinedBinaryDeniesExec(t *testing.T) {
	f := newFixture(t, ledger.NewMemoryStore())
	require.NoError(t, f.quarantine.Quarantine(context.Background(), 999, "bad", "feedfacefeedface", "fleet"))

	out := f.submit(`{"type":"exec","pid":301,"ppid":1,"comm":"svc","digest":"feedfacefeedface"}`)
	assert.False(t, out.Proceed)
	assert.Equal(t, "quarantine", out.Decision.Guard)
	_, ok := f.tracker.Snapshot(301)
	require.True(t, ok)
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := gate.New(nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "proceed", gate.StateProceed.String())
	assert.Equal(t, "abort", gate.StateAbort.String())
	assert.Equal(t, "state(42)", gate.State(42).String())
}
