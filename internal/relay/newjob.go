package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/apiteam/test-manager/internal/domain"
	"github.com/apiteam/test-manager/internal/entity"
	"github.com/apiteam/test-manager/internal/envelope"
	"github.com/apiteam/test-manager/internal/session"
	"github.com/apiteam/test-manager/internal/transport/redisbus"
)

const sideChannelDialTimeout = 10 * time.Second

func (s *Server) serveNewJob(ctx context.Context, c *conn, q url.Values) {
	params, err := ParseNewJob(q)
	if err != nil {
		c.reject(err)
		return
	}
	if err := s.checkCapacity(ctx, params.ScopeID); err != nil {
		c.reject(err)
		return
	}

	job := domain.NewJob(params, s.now())
	jobID := job.ID.String()

	side := s.dialSideChannel(ctx, params, c.postAck)
	defer side.Close()

	// Listen before announcing so no early progress message is missed.
	sub, err := s.bus.Subscribe(ctx, redisbus.UpdatesChannel(jobID), c.postMessage)
	if err != nil {
		c.fail(err)
		return
	}
	defer sub.Close()

	if err := s.announce(ctx, job); err != nil {
		c.fail(err)
		return
	}
	log.Printf("relay: job=%s submitted scope=%s source=%q", jobID, params.ScopeID, params.SourceName)

	h := &newJobHandler{
		srv:     s,
		conn:    c,
		job:     job,
		session: session.New(params, side).WithMetrics(s.metrics),
	}
	defer h.releaseScopeKey()

	c.loop(ctx, h)
}

// checkCapacity refuses a job when the workspace's running-test index is
// full. The index is advisory, so a cache error admits the job.
func (s *Server) checkCapacity(ctx context.Context, scopeID string) error {
	if s.cfg.MaxRunningTests <= 0 {
		return nil
	}
	running, err := s.cache.HLen(ctx, redisbus.WorkspaceKey(scopeID))
	if err != nil {
		log.Printf("relay: scope=%s count running tests: %v", scopeID, err)
		return nil
	}
	if running >= int64(s.cfg.MaxRunningTests) {
		return rejectf("scopeId", "Too many tests already running, cancel one first")
	}
	return nil
}

func (s *Server) dialSideChannel(ctx context.Context, params domain.ExecutionParams, onCreated func(entity.ResponseCreated)) SideConn {
	dialCtx, cancel := context.WithTimeout(ctx, sideChannelDialTimeout)
	defer cancel()

	side, err := s.dialer.Dial(dialCtx, entity.ConnParams{
		ScopeID:   params.ScopeID,
		Bearer:    params.Bearer,
		ProjectID: params.ProjectID,
	}, onCreated)
	if err != nil {
		log.Printf("relay: scope=%s side channel unavailable: %v", params.ScopeID, err)
		return unavailableSide{}
	}
	return side
}

// announce persists the job and wakes the execution fleet. The publish
// always comes last.
func (s *Server) announce(ctx context.Context, job domain.Job) error {
	jobID := job.ID.String()

	fields, err := job.Fields()
	if err != nil {
		return fmt.Errorf("encode job %s: %w", jobID, err)
	}
	if err := s.bus.HSet(ctx, redisbus.JobKey(jobID), fields); err != nil {
		return fmt.Errorf("store job %s: %w", jobID, err)
	}
	if err := s.bus.SAdd(ctx, redisbus.ExecutionHistoryKey, jobID); err != nil {
		return fmt.Errorf("record job %s in history: %w", jobID, err)
	}

	info, err := json.Marshal(job.RunningInfo())
	if err != nil {
		return fmt.Errorf("encode running info %s: %w", jobID, err)
	}
	if err := s.cache.HSet(ctx, redisbus.WorkspaceKey(job.Params.ScopeID), map[string]string{jobID: string(info)}); err != nil {
		// The running-test index is advisory; the job still runs without it.
		log.Printf("relay: job=%s running info: %v", jobID, err)
	}

	if err := s.bus.Publish(ctx, redisbus.ExecutionChannel, jobID); err != nil {
		return fmt.Errorf("announce job %s: %w", jobID, err)
	}
	return nil
}

type newJobHandler struct {
	srv     *Server
	conn    *conn
	job     domain.Job
	session *session.Session

	// scopeKey is the job scope key written on acknowledgement.
	scopeKey string
	consoles int
}

func (h *newJobHandler) message(ctx context.Context, raw string) {
	env, ok := h.conn.decode(h.job.ID.String(), raw)
	if !ok {
		return
	}

	if env.Type == envelope.TypeConsole {
		h.consoles++
		if limit := h.srv.cfg.ConsoleLimit; limit > 0 && h.consoles >= limit {
			if h.consoles == limit {
				log.Printf("relay: job=%s console limit %d reached, dropping further console output", h.job.ID, limit)
			}
			h.srv.metrics.MessageDropped("console_limit")
			return
		}
	}

	if status, ok := env.Status(); ok {
		h.updateRunningInfo(ctx, status)
	}

	h.conn.forward(env)
	h.session.Handle(ctx, env)
}

func (h *newJobHandler) ack(ctx context.Context, ack entity.ResponseCreated) {
	h.session.Acknowledge(ack)

	if err := h.conn.sock.Emit(EventResponseCreated, ack); err != nil {
		log.Printf("relay: job=%s emit %s: %v", ack.JobID, EventResponseCreated, err)
	}

	key := redisbus.JobScopeKey(ack.JobID)
	if err := h.srv.cache.Set(ctx, key, h.job.Params.ScopeID, h.srv.cfg.JobScopeTTL); err != nil {
		log.Printf("relay: job=%s set scope key: %v", ack.JobID, err)
		return
	}
	h.scopeKey = key
}

func (h *newJobHandler) expire(ctx context.Context) {
	if h.session.Abandon(ctx) != session.OutcomeNone {
		log.Printf("relay: job=%s exceeded max duration, reported as failed", h.job.ID)
	}
	if err := h.srv.cache.HDel(ctx, redisbus.WorkspaceKey(h.job.Params.ScopeID), h.job.ID.String()); err != nil {
		log.Printf("relay: job=%s clear running info: %v", h.job.ID, err)
	}
}

// updateRunningInfo keeps the workspace index current: terminal statuses
// remove the entry, others overwrite its status.
func (h *newJobHandler) updateRunningInfo(ctx context.Context, status domain.Status) {
	jobID := h.job.ID.String()
	key := redisbus.WorkspaceKey(h.job.Params.ScopeID)

	if status.IsTerminal() {
		if err := h.srv.cache.HDel(ctx, key, jobID); err != nil {
			log.Printf("relay: job=%s clear running info: %v", jobID, err)
		}
		return
	}

	raw, err := h.srv.cache.HGet(ctx, key, jobID)
	if errors.Is(err, redisbus.ErrNotFound) {
		log.Printf("relay: job=%s running info not found", jobID)
		return
	}
	if err != nil {
		log.Printf("relay: job=%s read running info: %v", jobID, err)
		return
	}

	var info domain.RunningTestInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		log.Printf("relay: job=%s decode running info: %v", jobID, err)
		return
	}
	info.Status = status

	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := h.srv.cache.HSet(ctx, key, map[string]string{jobID: string(data)}); err != nil {
		log.Printf("relay: job=%s update running info: %v", jobID, err)
	}
}

// releaseScopeKey removes the job scope key once the side channel goes away.
func (h *newJobHandler) releaseScopeKey() {
	if h.scopeKey == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.srv.cache.Del(ctx, h.scopeKey); err != nil {
		log.Printf("relay: job=%s release scope key: %v", h.job.ID, err)
	}
}
