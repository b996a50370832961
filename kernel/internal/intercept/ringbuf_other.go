//go:build !linux

package intercept

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// RingbufSource is only available on linux.
type RingbufSource struct{}

func OpenRingbufSource(_, _ string, _ *zap.Logger) (*RingbufSource, error) {
	return nil, errors.New("ring buffer source requires linux")
}

func (s *RingbufSource) Name() string { return "ringbuf" }

func (s *RingbufSource) Run(context.Context, chan<- Notification) error {
	return errors.New("ring buffer source requires linux")
}

func (s *RingbufSource) Close() error { return nil }
