package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"

	"github.com/apiteam/test-manager/internal/entity"
	"github.com/apiteam/test-manager/internal/replay"
	"github.com/apiteam/test-manager/internal/transport/redisbus"
)

func (s *Server) serveResume(ctx context.Context, c *conn, q url.Values) {
	params, err := ParseResume(q)
	if err != nil {
		c.reject(err)
		return
	}

	if err := s.authorize(ctx, params); err != nil {
		c.reject(err)
		return
	}

	// Subscribe first; live messages queue in the inbox while history loads.
	sub, err := s.bus.Subscribe(ctx, redisbus.UpdatesChannel(params.JobID), c.postMessage)
	if err != nil {
		c.fail(err)
		return
	}
	defer sub.Close()

	past, err := replay.LoadHistory(ctx, s.bus, params.JobID)
	if err != nil {
		c.fail(err)
		return
	}

	for _, env := range past {
		c.forward(env)
	}
	s.metrics.MessagesReplayed(len(past))
	log.Printf("relay: job=%s resumed, replayed %d messages", params.JobID, len(past))

	c.loop(ctx, &resumeHandler{
		conn:   c,
		jobID:  params.JobID,
		filter: replay.NewFilter(past),
	})
}

// authorize checks the caller's scope against the stored job. The job scope
// key in the core cache is consulted when the job record has no scope.
func (s *Server) authorize(ctx context.Context, p ResumeParams) error {
	scopeID, err := s.bus.HGet(ctx, redisbus.JobKey(p.JobID), "scopeId")
	if errors.Is(err, redisbus.ErrNotFound) {
		scopeID, err = s.cache.Get(ctx, redisbus.JobScopeKey(p.JobID))
	}
	if errors.Is(err, redisbus.ErrNotFound) {
		return rejectf("jobId", "Invalid jobId")
	}
	if err != nil {
		return fmt.Errorf("look up job %s: %w", p.JobID, err)
	}
	if scopeID != p.ScopeID {
		return rejectf("scopeId", "Invalid jobId")
	}
	return nil
}

type resumeHandler struct {
	conn   *conn
	jobID  string
	filter *replay.Filter
}

func (h *resumeHandler) message(_ context.Context, raw string) {
	env, ok := h.conn.decode(h.jobID, raw)
	if !ok {
		return
	}
	if !h.filter.Admit(env) {
		h.conn.srv.metrics.MessageDropped("duplicate")
		return
	}
	h.conn.forward(env)
}

func (h *resumeHandler) ack(context.Context, entity.ResponseCreated) {}

func (h *resumeHandler) expire(context.Context) {}
