package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentmeter/agentmeter/internal/cancel"
	"github.com/agentmeter/agentmeter/internal/events"
	"github.com/agentmeter/agentmeter/internal/limiter"
	"github.com/agentmeter/agentmeter/internal/metrics"
	"github.com/agentmeter/agentmeter/internal/points"
	"github.com/agentmeter/agentmeter/internal/timeout"
	"github.com/agentmeter/agentmeter/internal/usage"
)

// Pipeline produces the model response for one turn. Implementations emit
// chunks as they arrive and return the accumulated final text plus actual
// token usage. When ctx is canceled mid-turn the pipeline returns whatever
// partial output and usage it has, with ctx's error.
type Pipeline interface {
	Run(ctx context.Context, req TurnRequest, emit func(chunk string) error) (points.ActualUsage, string, error)
}

// TurnRequest describes one turn to run.
type TurnRequest struct {
	UserID      string
	ChatID      string
	TurnID      string
	Tier        points.Tier
	Mode        points.Mode
	Endpoint    timeout.Endpoint
	Temporary   bool
	InputTokens int64
	Prompt      string
}

// TurnResult is the settled outcome of one turn.
type TurnResult struct {
	Session  *Session
	Decision *limiter.Decision
	Usage    *usage.DeductResult

	Final   string
	Aborted bool
	Cause   cancel.Cause
	Saved   bool
}

// Runner ties admission, stream persistence, cancellation, the preemptive
// timeout guard, and usage settlement around a Pipeline.
type Runner struct {
	router    *limiter.Router
	usage     *usage.Service
	store     *Store
	coord     *cancel.Coordinator
	guard     *timeout.Guard
	publisher *events.Publisher
	pipeline  Pipeline
}

func NewRunner(router *limiter.Router, usageSvc *usage.Service, store *Store, coord *cancel.Coordinator, guard *timeout.Guard, publisher *events.Publisher, pipeline Pipeline) *Runner {
	return &Runner{
		router:    router,
		usage:     usageSvc,
		store:     store,
		coord:     coord,
		guard:     guard,
		publisher: publisher,
		pipeline:  pipeline,
	}
}

// Run executes one turn end to end. Admission failures return before any
// stream state exists; after admission every exit path settles usage and
// resolves the stream exactly once.
func (r *Runner) Run(ctx context.Context, req TurnRequest, extra *limiter.ExtraUsage) (*TurnResult, error) {
	decision, err := r.router.CheckRateLimit(ctx, req.UserID, req.Mode, req.Tier, req.InputTokens, extra)
	if err != nil {
		return nil, err
	}

	// A cancel left over from a previous turn must not kill this one.
	if err := r.coord.ClearFlag(ctx, req.ChatID); err != nil {
		slog.Warn("runner: clearing stale cancel flag", "chat_id", req.ChatID, "error", err)
	}

	sess, err := r.store.Register(ctx, req.ChatID, req.Temporary)
	if err != nil {
		r.refundReservation(ctx, req, decision)
		return nil, err
	}

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	watcher := r.coord.Watch(ctx, req.ChatID)
	timer := r.guard.Start(req.ChatID, req.Endpoint, func() { watcher.AbortPreemptive() })

	streamCtx, cancelStream := context.WithCancel(ctx)
	go func() {
		<-watcher.Done()
		cancelStream()
	}()
	defer cancelStream()

	actual, final, runErr := r.pipeline.Run(streamCtx, req, func(chunk string) error {
		return r.store.Append(ctx, sess.StreamID, chunk)
	})

	timer.Clear()
	watcher.MarkCompleted()
	watcher.Stop()

	aborted := watcher.Canceled()
	if runErr != nil && !aborted && !errors.Is(runErr, context.Canceled) {
		// Pipeline failed outright: nothing was produced that we should
		// charge for. Return the reservation and surface the failure.
		_ = r.store.Discard(ctx, sess.StreamID, req.ChatID)
		r.refundReservation(ctx, req, decision)
		return nil, fmt.Errorf("running pipeline for turn %s: %w", req.TurnID, runErr)
	}

	result := &TurnResult{
		Session:  sess,
		Decision: decision,
		Final:    final,
		Aborted:  aborted,
		Cause:    watcher.Cause(),
	}

	// Persistence: an aborted turn keeps its partial output unless the
	// cancel asked to skip saving, or the chat is temporary.
	save := !req.Temporary && !watcher.ShouldSkipSave()
	if save {
		if err := r.store.Complete(ctx, sess.StreamID, req.ChatID, final); err != nil {
			slog.Error("runner: completing stream", "chat_id", req.ChatID, "error", err)
		} else {
			result.Saved = true
		}
	} else {
		if err := r.store.Discard(ctx, sess.StreamID, req.ChatID); err != nil {
			slog.Error("runner: discarding stream", "chat_id", req.ChatID, "error", err)
		}
	}

	r.observeAbort(ctx, req, sess.StreamID, watcher)

	// Settle against what was actually consumed, even for aborted turns:
	// the model still billed for the partial output.
	settled, err := r.usage.Deduct(ctx, usage.DeductRequest{
		UserID:         req.UserID,
		Tier:           req.Tier,
		TurnID:         req.TurnID,
		ReservedPoints: decision.PointsDeducted,
		UsedExtraUsage: decision.ExtraUsagePointsDeducted > 0,
		Actual:         actual,
	})
	if err != nil {
		return result, fmt.Errorf("settling usage for turn %s: %w", req.TurnID, err)
	}
	result.Usage = settled
	return result, nil
}

// refundReservation returns an admission reservation for a turn that never
// produced anything.
func (r *Runner) refundReservation(ctx context.Context, req TurnRequest, decision *limiter.Decision) {
	if req.Tier == points.TierFree {
		return
	}
	pts := decision.PointsDeducted
	fromExtra := decision.ExtraUsagePointsDeducted > 0
	if fromExtra {
		// Extra-usage admission reserved nothing; there is nothing to
		// return.
		return
	}
	if _, err := r.usage.Refund(ctx, usage.RefundRequest{
		UserID: req.UserID,
		TurnID: req.TurnID,
		Points: pts,
	}); err != nil {
		slog.Error("runner: refunding reservation",
			"user_id", req.UserID, "turn_id", req.TurnID, "error", err)
	}
}

func (r *Runner) observeAbort(ctx context.Context, req TurnRequest, streamID string, w *cancel.Watcher) {
	if !w.Canceled() {
		return
	}
	ev := events.StreamEvent{
		UserID:    req.UserID,
		ChatID:    req.ChatID,
		StreamID:  streamID,
		Cause:     string(w.Cause()),
		SkipSave:  w.ShouldSkipSave(),
		Timestamp: time.Now().UTC(),
	}
	switch w.Cause() {
	case cancel.CausePreemptive:
		r.publisher.PublishStreamTimedOut(ctx, ev)
	default:
		metrics.StreamAborts.WithLabelValues(string(w.Cause())).Inc()
		r.publisher.PublishStreamCanceled(ctx, ev)
	}
}
