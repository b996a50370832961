package intercept

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/event"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/gate"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/policy"
)

type stubGate struct {
	calls atomic.Int64
}

func (s *stubGate) Submit(_ context.Context, raw event.RawNotification) gate.Outcome {
	s.calls.Add(1)
	if string(raw.Payload) == "allow" {
		return gate.Outcome{EventID: "e", Proceed: true, Verdict: policy.Allow, State: gate.StateProceed, Sequence: 1}
	}
	return gate.Outcome{EventID: "e", Verdict: policy.Deny, Reason: "no matching rule", State: gate.StateAbort}
}

func TestServeAnswersEveryNotification(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := NewChanSource("test", 8)
	g := &stubGate{}

	served := make(chan error, 1)
	go func() { served <- Serve(ctx, g, 4, nil, src) }()

	var wg sync.WaitGroup
	var allowed atomic.Int64
	for i := 0; i < 100; i++ {
		payload := "deny"
		if i%4 == 0 {
			payload = "allow"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := src.Inject(context.Background(), event.RawNotification{Payload: []byte(payload)})
			if err != nil {
				t.Errorf("inject: %v", err)
				return
			}
			if out.Proceed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 25 {
		t.Fatalf("allowed = %d, want 25", got)
	}
	if got := g.calls.Load(); got != 100 {
		t.Fatalf("submits = %d, want 100", got)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestInjectAfterClose(t *testing.T) {
	src := NewChanSource("test", 0)
	src.Close()
	if _, err := src.Inject(context.Background(), event.RawNotification{Payload: []byte("allow")}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

type failingSource struct{}

func (failingSource) Name() string { return "broken" }

func (failingSource) Run(context.Context, chan<- Notification) error {
	return errors.New("device gone")
}

func TestServeReturnsSourceError(t *testing.T) {
	err := Serve(context.Background(), &stubGate{}, 2, nil, failingSource{})
	if err == nil || err.Error() != "broken source: device gone" {
		t.Fatalf("err = %v", err)
	}
}

func TestNotificationDeny(t *testing.T) {
	var got gate.Outcome
	n := NewNotification(event.RawNotification{}, func(o gate.Outcome) error {
		got = o
		return nil
	})
	if err := n.Deny("shutting down"); err != nil {
		t.Fatal(err)
	}
	if got.Proceed || got.Verdict != policy.Deny || got.Reason != "shutting down" {
		t.Fatalf("unexpected outcome %+v", got)
	}
}

func TestReplyFrom(t *testing.T) {
	r := ReplyFrom(gate.Outcome{EventID: "e1", Proceed: true, Verdict: policy.Allow, State: gate.StateProceed, Sequence: 9, Reason: "rule r"})
	want := Reply{EventID: "e1", Verdict: "allow", Proceed: true, Reason: "rule r", Sequence: 9, State: "proceed"}
	if r != want {
		t.Fatalf("got %+v, want %+v", r, want)
	}
}

func TestRawFromMsgFormat(t *testing.T) {
	m := &nats.Msg{Data: []byte("{}")}
	if raw := rawFromMsg(m); raw.Format != event.FormatJSON {
		t.Fatalf("default format = %q", raw.Format)
	}
	m.Header = nats.Header{}
	m.Header.Set(FormatHeader, string(event.FormatBinary))
	if raw := rawFromMsg(m); raw.Format != event.FormatBinary {
		t.Fatalf("header format = %q", raw.Format)
	}
}
