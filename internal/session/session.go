package session

import (
	"context"
	"encoding/json"
	"log"

	"github.com/apiteam/test-manager/internal/domain"
	"github.com/apiteam/test-manager/internal/entity"
	"github.com/apiteam/test-manager/internal/envelope"
)

// SideChannel is the downstream connection that persists response records.
type SideChannel interface {
	CreateResponse(ctx context.Context, req entity.CreateResponse) error
	AddOptions(ctx context.Context, req entity.AddOptions) error
	SuccessSingle(ctx context.Context, req entity.SuccessSingle) error
	SuccessMultiple(ctx context.Context, req entity.SuccessMultiple) error
	Failure(ctx context.Context, req entity.Failure) error
	Connected() bool
}

// Unavailable is the SideChannel used when the entity engine could not be
// reached. Every send fails and it never reports as connected.
type Unavailable struct{}

func (Unavailable) CreateResponse(context.Context, entity.CreateResponse) error {
	return entity.ErrNotConnected
}
func (Unavailable) AddOptions(context.Context, entity.AddOptions) error {
	return entity.ErrNotConnected
}
func (Unavailable) SuccessSingle(context.Context, entity.SuccessSingle) error {
	return entity.ErrNotConnected
}
func (Unavailable) SuccessMultiple(context.Context, entity.SuccessMultiple) error {
	return entity.ErrNotConnected
}
func (Unavailable) Failure(context.Context, entity.Failure) error {
	return entity.ErrNotConnected
}
func (Unavailable) Connected() bool { return false }

// MetricsSink records session outcomes. Methods must not block.
type MetricsSink interface {
	JobOutcome(outcome string)
}

// Session drives one new-job connection. It is not safe for concurrent use:
// the owning connection serializes every call.
type Session struct {
	params  domain.ExecutionParams
	side    SideChannel
	metrics MetricsSink

	state    State
	finished bool
}

func New(params domain.ExecutionParams, side SideChannel) *Session {
	return &Session{
		params: params,
		side:   side,
		state:  NewState(),
	}
}

// WithMetrics attaches a metrics sink.
func (s *Session) WithMetrics(sink MetricsSink) *Session {
	s.metrics = sink
	return s
}

// State returns a copy of the current artifact state.
func (s *Session) State() State {
	return s.state
}

// Finished reports whether a terminal outcome has been sent.
func (s *Session) Finished() bool {
	return s.finished
}

// Handle applies one decoded envelope. It returns the outcome sent downstream
// when env is the first terminal status, OutcomeNone otherwise.
func (s *Session) Handle(ctx context.Context, env envelope.Envelope) Outcome {
	if s.params.TestType != domain.TestTypeREST {
		return OutcomeNone
	}

	if s.state.NeedsResponse(env.JobID) {
		s.createResponse(ctx, env.JobID)
	}

	switch p := env.Payload.(type) {
	case envelope.Options:
		s.addOptions(ctx, p)
	case envelope.JobInfo:
		if opts, ok := p.ExecutionOptions(); ok {
			s.addOptions(ctx, opts)
		}
	case envelope.Mark:
		s.state.CaptureMark(p)
	case envelope.Status:
		status := domain.Status(p)
		if status.IsTerminal() && !s.finished {
			return s.finish(ctx, status)
		}
	}
	return OutcomeNone
}

// Acknowledge records the response record created downstream for this job.
func (s *Session) Acknowledge(ack entity.ResponseCreated) {
	if s.state.JobID != "" && ack.JobID != s.state.JobID {
		log.Printf("session: ignoring ack for job=%s, tracking job=%s", ack.JobID, s.state.JobID)
		return
	}
	s.state.TestType = domain.TestTypeREST
	s.state.ResponseID = ack.ResponseID
	s.state.ResponseExistence = ResponseCreated
}

// Abandon reports an unfinished job as failed. It is a no-op once a terminal
// outcome was sent.
func (s *Session) Abandon(ctx context.Context) Outcome {
	if s.finished {
		return OutcomeNone
	}
	s.finished = true
	s.sendFailure(ctx)
	s.recordOutcome(OutcomeFailure)
	return OutcomeFailure
}

func (s *Session) createResponse(ctx context.Context, jobID string) {
	s.state.ResponseExistence = ResponseCreating
	s.state.JobID = jobID

	req := entity.CreateResponse{
		BranchID:          s.params.BranchID,
		CollectionID:      s.params.CollectionID,
		UnderlyingRequest: s.params.UnderlyingRequest,
		Source:            s.params.Source,
		SourceName:        s.params.SourceName,
		JobID:             jobID,
	}
	if s.params.RESTRequest != nil {
		req.FinalRequestEndpoint = s.params.RESTRequest.URL
	}
	if err := s.side.CreateResponse(ctx, req); err != nil {
		log.Printf("session: job=%s create response: %v", jobID, err)
	}
}

func (s *Session) addOptions(ctx context.Context, opts envelope.Options) {
	raw, err := json.Marshal(opts)
	if err != nil {
		log.Printf("session: job=%s marshal options: %v", s.state.JobID, err)
		return
	}
	s.state.Options = &opts

	err = s.side.AddOptions(ctx, entity.AddOptions{
		BranchID:     s.params.BranchID,
		CollectionID: s.params.CollectionID,
		Options:      raw,
	})
	if err != nil {
		log.Printf("session: job=%s add options: %v", s.state.JobID, err)
	}
}

func (s *Session) finish(ctx context.Context, status domain.Status) Outcome {
	s.finished = true
	outcome := s.state.Evaluate(status, s.side.Connected())

	if outcome == OutcomeSuccessSingle {
		resp, err := parseMarkedResponse(s.state.MarkedResponse)
		if err != nil {
			log.Printf("session: job=%s %v", s.state.JobID, err)
			outcome = OutcomeFailure
		} else {
			s.sendSuccessSingle(ctx, resp)
		}
	}

	switch outcome {
	case OutcomeSuccessMultiple:
		err := s.side.SuccessMultiple(ctx, entity.SuccessMultiple{
			BranchID:                  s.params.BranchID,
			CollectionID:              s.params.CollectionID,
			ResponseID:                s.state.ResponseID,
			MetricsStoreReceipt:       s.state.MetricsReceipt,
			GlobeTestLogsStoreReceipt: s.state.LogsReceipt,
		})
		if err != nil {
			log.Printf("session: job=%s success multiple: %v", s.state.JobID, err)
		}
	case OutcomeFailure:
		s.sendFailure(ctx)
	}

	log.Printf("session: job=%s status=%s outcome=%s", s.state.JobID, status, outcome)
	s.recordOutcome(outcome)
	return outcome
}

func (s *Session) sendSuccessSingle(ctx context.Context, resp markedResponse) {
	err := s.side.SuccessSingle(ctx, entity.SuccessSingle{
		BranchID:                  s.params.BranchID,
		CollectionID:              s.params.CollectionID,
		ResponseID:                s.state.ResponseID,
		ResponseStatus:            resp.Status,
		ResponseSize:              resp.size(),
		ResponseDuration:          resp.Timings.Duration,
		Response:                  s.state.MarkedResponse,
		MetricsStoreReceipt:       s.state.MetricsReceipt,
		GlobeTestLogsStoreReceipt: s.state.LogsReceipt,
	})
	if err != nil {
		log.Printf("session: job=%s success single: %v", s.state.JobID, err)
	}
}

func (s *Session) sendFailure(ctx context.Context) {
	err := s.side.Failure(ctx, entity.Failure{
		BranchID:                  s.params.BranchID,
		CollectionID:              s.params.CollectionID,
		GlobeTestLogsStoreReceipt: optionalReceipt(s.state.LogsReceipt),
		MetricsStoreReceipt:       optionalReceipt(s.state.MetricsReceipt),
	})
	if err != nil {
		log.Printf("session: job=%s failure notification: %v", s.state.JobID, err)
	}
}

func (s *Session) recordOutcome(o Outcome) {
	if s.metrics != nil {
		s.metrics.JobOutcome(string(o))
	}
}
