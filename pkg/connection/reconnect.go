package connection

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opendiagram/collab.go/pkg/constants"
	"github.com/opendiagram/collab.go/pkg/logger"
)

// ReconnectingSessionParams tunes the reconnection backoff. Zero values use
// the defaults in constants.
type ReconnectingSessionParams struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsedTime bounds the total time spent on one outage before the
	// transport is marked failed.
	MaxElapsedTime time.Duration
	// DialTimeout bounds each individual reconnect attempt, so a hung
	// attempt is abandoned before the next one starts.
	DialTimeout time.Duration
}

// ReconnectingSession wraps a Session and redials it automatically after an
// unexpected connection loss, with exponential backoff. The initial Connect
// is not retried; the caller decides how to handle a misconfigured endpoint.
type ReconnectingSession struct {
	*Session

	initialInterval time.Duration
	maxInterval     time.Duration
	maxElapsedTime  time.Duration
	dialTimeout     time.Duration

	logger logger.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	loopDone chan struct{}
}

func NewReconnectingSession(s *Session, p ReconnectingSessionParams) *ReconnectingSession {
	if p.InitialInterval <= 0 {
		p.InitialInterval = constants.ReconnectInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = constants.ReconnectMaxInterval
	}
	if p.MaxElapsedTime <= 0 {
		p.MaxElapsedTime = constants.ReconnectMaxElapsedTime
	}
	if p.DialTimeout <= 0 {
		p.DialTimeout = constants.DefaultSendTimeout
	}

	return &ReconnectingSession{
		Session:         s,
		initialInterval: p.InitialInterval,
		maxInterval:     p.MaxInterval,
		maxElapsedTime:  p.MaxElapsedTime,
		dialTimeout:     p.DialTimeout,
		logger:          s.logger,
		stopCh:          make(chan struct{}),
	}
}

// Connect establishes the connection and starts watching for loss. If the
// initial connection fails, no reconnection loop is started.
func (rs *ReconnectingSession) Connect(ctx context.Context) error {
	if err := rs.Session.Connect(ctx); err != nil {
		return err
	}

	rs.loopDone = make(chan struct{})
	go rs.reconnectLoop()

	return nil
}

// Close stops the reconnection loop, then closes the underlying session.
func (rs *ReconnectingSession) Close(ctx context.Context) error {
	rs.stopOnce.Do(func() {
		close(rs.stopCh)
	})
	if rs.loopDone != nil {
		<-rs.loopDone
	}
	return rs.Session.Close(ctx)
}

func (rs *ReconnectingSession) reconnectLoop() {
	defer close(rs.loopDone)

	for {
		lost := rs.Session.ConnectionLost()

		select {
		case <-rs.stopCh:
			return
		case <-lost:
		}

		if !rs.redialWithBackoff() {
			return
		}
	}
}

// redialWithBackoff retries the dial until it succeeds, the wrapper is
// closed, or the elapsed-time budget runs out. It returns false when the
// loop should stop.
func (rs *ReconnectingSession) redialWithBackoff() bool {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = rs.initialInterval
	bo.MaxInterval = rs.maxInterval
	bo.MaxElapsedTime = rs.maxElapsedTime
	bo.Reset()

	for {
		next := bo.NextBackOff()
		if next == backoff.Stop {
			rs.logger.Error("connection: reconnect attempts exhausted",
				"elapsed", rs.maxElapsedTime)
			rs.Session.fail()
			return false
		}

		select {
		case <-rs.stopCh:
			return false
		case <-time.After(next):
		}

		// Each attempt gets its own bounded context; a hung dial is
		// abandoned rather than blocking the next attempt.
		ctx, cancel := context.WithTimeout(context.Background(), rs.dialTimeout)
		err := rs.Session.Redial(ctx)
		cancel()

		if err == nil {
			rs.logger.Info("connection: reconnected")
			return true
		}

		rs.logger.Warn("connection: reconnect attempt failed", "error", err)
	}
}
