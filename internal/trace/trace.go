// Package trace records frame-loop observations to a file so a headless
// session can be inspected after the fact: which frames were latched, how
// far behind the pose stream they arrived, and what the device pose was at
// composition time.
package trace

import (
	"context"
	"fmt"
	"sync"

	"github.com/openxrtools/arbridge/internal/pose"
	"go.uber.org/zap"
)

// Event is one observation from the frame loop.
type Event struct {
	TimestampNS int64         `json:"timestamp_ns"`
	FrameID     uint64        `json:"frame_id"`
	PoseOffset  int           `json:"pose_offset"`
	Pose        pose.Matrix34 `json:"pose"`
}

// WriterStrategy defines the interface for writing trace events.
type WriterStrategy interface {
	WriteEvent(ev *Event) error
	Flush() error
	Close() error
}

// Session buffers trace events from the frame loop and delegates writing to
// a WriterStrategy. Record never blocks the caller; events are dropped with
// an error when the buffer is full.
type Session struct {
	sync.Mutex
	ctx         context.Context
	ctxCancelFn context.CancelFunc
	logger      *zap.Logger

	filePath   string
	outgoingCh chan *Event
	sessionID  string
	stopped    bool

	writer WriterStrategy
}

func NewSession(ctx context.Context, logger *zap.Logger, filePath string, sessionID string, writer WriterStrategy) *Session {
	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		ctx:         ctx,
		ctxCancelFn: cancel,
		logger:      logger,
		filePath:    filePath,
		outgoingCh:  make(chan *Event, 1000),
		sessionID:   sessionID,
		writer:      writer,
	}
}

func (s *Session) Context() context.Context {
	return s.ctx
}

// ProcessEvents drains the event buffer into the writer until the session is
// closed, then flushes and closes the writer. It is meant to run in its own
// goroutine for the lifetime of the session.
func (s *Session) ProcessEvents() error {
	eventCount := 0

OuterLoop:
	for {
		select {
		case ev := <-s.outgoingCh:
			s.Lock()
			err := s.writer.WriteEvent(ev)
			stopped := s.stopped
			s.Unlock()
			if err != nil {
				s.logger.Error("Failed to write trace event", zap.Error(err))
				break OuterLoop
			}
			eventCount++
			if stopped {
				break OuterLoop
			}
		case <-s.ctx.Done():
			break OuterLoop
		}
	}

	s.Close()

	// Drain whatever was queued before Close won the race.
	for {
		select {
		case ev := <-s.outgoingCh:
			if err := s.writer.WriteEvent(ev); err != nil {
				s.logger.Error("Failed to write trace event", zap.Error(err))
			} else {
				eventCount++
			}
			continue
		default:
		}
		break
	}

	s.Lock()
	defer s.Unlock()
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush writer: %v", err)
	}
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %v", err)
	}

	s.logger.Info("Trace file written",
		zap.String("file_path", s.filePath),
		zap.String("session_id", s.sessionID),
		zap.Int("event_count", eventCount),
	)
	return nil
}

// Record queues one event for writing.
func (s *Session) Record(ev *Event) error {
	if s.IsStopped() {
		return fmt.Errorf("trace session is stopped")
	}
	select {
	case s.outgoingCh <- ev:
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("context cancelled, cannot record event: %w", s.ctx.Err())
	default:
		return fmt.Errorf("event buffer is full, cannot record event")
	}
}

func (s *Session) Close() {
	s.ctxCancelFn()
	s.Lock()
	if s.stopped {
		s.Unlock()
		return
	}
	s.stopped = true
	s.Unlock()
}

func (s *Session) IsStopped() bool {
	s.Lock()
	defer s.Unlock()
	return s.stopped
}
