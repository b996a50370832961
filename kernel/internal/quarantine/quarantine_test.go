package quarantine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	calls []string
}

func (p *recordingPublisher) PublishBinary(_ context.Context, hash string, on bool) error {
	state := "off"
	if on {
		state = "on"
	}
	p.calls = append(p.calls, hash+":"+state)
	return nil
}

func TestRegistryQuarantineAndRelease(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	pub := &recordingPublisher{}
	r.SetPublisher(pub)

	require.NoError(t, r.Quarantine(ctx, 42, "svc", "abc123", "memory tampered"))
	assert.True(t, r.IsQuarantined(42, ""))
	assert.True(t, r.IsQuarantined(77, "abc123"), "same image on another pid")
	assert.False(t, r.IsQuarantined(77, "other"))
	assert.Equal(t, 2, r.Len())
	require.Len(t, r.List(), 1)
	assert.Equal(t, "memory tampered", r.List()[0].Reason)

	// second pid on the same image publishes nothing new
	require.NoError(t, r.Quarantine(ctx, 43, "svc", "abc123", "memory tampered"))
	assert.Equal(t, []string{"abc123:on"}, pub.calls)

	ok, err := r.Release(ctx, 42)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, r.IsQuarantined(77, "abc123"))
	assert.Equal(t, []string{"abc123:on", "abc123:off"}, pub.calls)

	ok, err = r.Release(ctx, 999)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistryForgetKeepsBinary(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Quarantine(context.Background(), 5, "x", "feed", "tamper"))
	r.Forget(5)
	assert.False(t, r.IsQuarantined(5, ""))
	assert.True(t, r.IsQuarantined(6, "feed"))
	assert.Equal(t, []string{"feed"}, r.Binaries())
}

func TestRegistryBinaryOnly(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	pub := &recordingPublisher{}
	r.SetPublisher(pub)

	require.NoError(t, r.Quarantine(ctx, 0, "", "beef", "fleet advisory"))
	assert.Empty(t, r.List())
	assert.True(t, r.IsQuarantined(10, "beef"))

	ok, err := r.ReleaseBinary(ctx, "beef")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, r.IsQuarantined(10, "beef"))
	assert.Equal(t, []string{"beef:on", "beef:off"}, pub.calls)

	ok, err = r.ReleaseBinary(ctx, "beef")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisSyncProcessSignal(t *testing.T) {
	r := NewRegistry()
	s := NewRedisSync(nil, r, "zt:quarantine", "zt:quarantine:updates", nil)

	s.processSignal("deadbeef:on")
	assert.True(t, r.IsQuarantined(1, "deadbeef"))

	s.processSignal("garbage")
	s.processSignal(":on")
	assert.Equal(t, []string{"deadbeef"}, r.Binaries())

	s.processSignal("deadbeef:off")
	assert.False(t, r.IsQuarantined(1, "deadbeef"))
}

type slowPublisher struct {
	delay time.Duration
	mu    sync.Mutex
	calls []string
}

func (p *slowPublisher) PublishBinary(ctx context.Context, hash string, on bool) error {
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, hash)
	return nil
}

func TestAsyncPublisherDoesNotBlock(t *testing.T) {
	slow := &slowPublisher{delay: 200 * time.Millisecond}
	ap := NewAsyncPublisher(slow, 4, time.Second, nil)
	r := NewRegistry()
	r.SetPublisher(ap)

	start := time.Now()
	require.NoError(t, r.Quarantine(context.Background(), 9, "svc", "c0ffee", "tamper"))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.True(t, r.IsQuarantined(9, ""))

	ap.Close()
	assert.Equal(t, []string{"c0ffee"}, slow.calls)
	assert.ErrorIs(t, ap.PublishBinary(context.Background(), "late", true), ErrPublishQueueFull)
}

func TestAsyncPublisherBoundsEachPublish(t *testing.T) {
	slow := &slowPublisher{delay: time.Hour}
	ap := NewAsyncPublisher(slow, 1, 20*time.Millisecond, nil)
	require.NoError(t, ap.PublishBinary(context.Background(), "a", true))
	ap.Close()
	assert.Empty(t, slow.calls)
}
