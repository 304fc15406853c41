// Package leaderelection picks the one test manager replica that acts as
// fleet statistics master.
//
// Mastership is a session-scoped advisory lock: whoever holds it on an open
// connection is master, and Postgres drops it when that connection dies.
// Nothing renews it. The master pings its connection only to notice a dead
// session early and stand down.
package leaderelection

import (
	"context"
	"log"
	"sync"
	"time"
)

// MetricsSink records mastership changes. Calls must not block.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string) // reason: "shutdown", "conn_lost"
}

// Session is one dedicated connection able to hold the lock.
type Session interface {
	TryLock(ctx context.Context, key int64) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// Opener opens a new dedicated session.
type Opener interface {
	Open(ctx context.Context) (Session, error)
}

// Duty is the work only the leader performs. It must return when ctx is
// cancelled.
type Duty func(ctx context.Context)

// Elector contends for the lock and runs the duty while it holds it.
type Elector struct {
	opener            Opener
	lockKey           int64
	retryInterval     time.Duration // between acquisition attempts
	heartbeatInterval time.Duration // between pings while master
	duty              Duty
	metrics           MetricsSink
}

// New returns an Elector for lockKey. duty starts in its own goroutine on
// acquisition and is cancelled and awaited when mastership ends.
func New(opener Opener, lockKey int64, retryInterval, heartbeatInterval time.Duration, duty Duty) *Elector {
	return &Elector{
		opener:            opener,
		lockKey:           lockKey,
		retryInterval:     retryInterval,
		heartbeatInterval: heartbeatInterval,
		duty:              duty,
	}
}

func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// Run contends until ctx is cancelled and any running duty has returned.
func (e *Elector) Run(ctx context.Context) {
	log.Printf("leader: contending for stats master lock %d (retry=%s heartbeat=%s)",
		e.lockKey, e.retryInterval, e.heartbeatInterval)

	for {
		if reason := e.attempt(ctx); reason != "" && ctx.Err() == nil {
			log.Printf("leader: no longer master (%s)", reason)
		}

		select {
		case <-ctx.Done():
			log.Println("leader: stopped")
			return
		case <-time.After(e.retryInterval):
		}
	}
}

// attempt opens a session, tries the lock and, on success, holds it until
// shutdown or connection loss. It returns why mastership ended, or "" if it
// never began.
func (e *Elector) attempt(ctx context.Context) string {
	if ctx.Err() != nil {
		return ""
	}

	sess, err := e.opener.Open(ctx)
	if err != nil {
		log.Printf("leader: open session: %v", err)
		return ""
	}
	defer sess.Close()

	acquired, err := sess.TryLock(ctx, e.lockKey)
	if err != nil {
		log.Printf("leader: try lock: %v", err)
		return ""
	}
	if !acquired {
		return ""
	}

	log.Printf("leader: became stats master")
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	dutyCtx, cancelDuty := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.duty(dutyCtx)
	}()

	reason := e.hold(ctx, sess)

	cancelDuty()
	wg.Wait()

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}

	return reason
}

func (e *Elector) hold(ctx context.Context, sess Session) string {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-ticker.C:
			if err := sess.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return "shutdown"
				}
				log.Printf("leader: session ping: %v", err)
				return "conn_lost"
			}
		}
	}
}
