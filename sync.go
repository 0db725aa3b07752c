package pokeshell

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ============================================================================
// Sync Coordinator
// ============================================================================

// Outcome classifies one replay attempt.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeRetry     Outcome = "retry"
	OutcomeRejected  Outcome = "rejected"
)

// ClassifyReplay maps a replay result to an Outcome. Transport errors,
// 408, 425, 429 and 5xx are retried; other 4xx are rejected for good.
func ClassifyReplay(status int, err error) Outcome {
	switch {
	case err != nil:
		return OutcomeRetry
	case status < 400:
		return OutcomeDelivered
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return OutcomeRetry
	default:
		return OutcomeRejected
	}
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Tag       SyncTag `json:"tag"`
	Skipped   bool    `json:"skipped,omitempty"`
	Attempted int     `json:"attempted"`
	Delivered int     `json:"delivered"`
	Retried   int     `json:"retried"`
	Rejected  int     `json:"rejected"`
	Remaining int     `json:"remaining"`
}

// SyncCoordinator replays the queue. Drains never overlap: a drain
// requested while one runs returns a Skipped result, and the running drain
// makes one more pass over a fresh snapshot before it finishes.
type SyncCoordinator struct {
	queue    *Queue
	net      *network
	notify   *Dispatcher
	views    Views
	register func(SyncTag)
	log      Logger
	tracer   trace.Tracer

	mu       sync.Mutex
	draining bool
	rerun    []SyncTag
}

// Draining reports whether a drain pass is running.
func (s *SyncCoordinator) Draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

// Drain replays a snapshot of the queue once, in order, then commits the
// outcome with Queue.Reconcile. An empty queue makes no network calls.
// A Drain that arrives while another is running returns Skipped and makes
// the running one take a fresh snapshot before it finishes.
func (s *SyncCoordinator) Drain(ctx context.Context, tag SyncTag) (DrainResult, error) {
	s.mu.Lock()
	if s.draining {
		s.rerun = append(s.rerun, tag)
		s.mu.Unlock()
		s.log.Debug("drain already running, queued another pass", Fields{"tag": string(tag)})
		return DrainResult{Tag: tag, Skipped: true, Remaining: s.queue.Len()}, nil
	}
	s.draining = true
	s.mu.Unlock()

	res, err := s.pass(ctx, tag)
	for {
		s.mu.Lock()
		if len(s.rerun) == 0 || ctx.Err() != nil {
			// A cancelled drain leaves the skipped signals registered.
			leftover := s.rerun
			s.rerun = nil
			s.draining = false
			s.mu.Unlock()
			for _, t := range leftover {
				if s.register != nil {
					s.register(t)
				}
			}
			break
		}
		s.rerun = nil
		s.mu.Unlock()

		next, nerr := s.pass(ctx, tag)
		res.Attempted += next.Attempted
		res.Delivered += next.Delivered
		res.Retried += next.Retried
		res.Rejected += next.Rejected
		res.Remaining = next.Remaining
		if nerr != nil {
			err = nerr
		}
	}

	if res.Attempted == 0 {
		return res, err
	}
	if res.Remaining == 0 && res.Delivered > 0 {
		s.notify.Synced(ctx, res)
	}
	if tag == TagChat && s.views != nil {
		s.views.Broadcast(ctx, ViewMessage{Type: MsgSyncComplete, Sync: &res})
	}
	return res, err
}

// pass replays one snapshot and commits it.
func (s *SyncCoordinator) pass(ctx context.Context, tag SyncTag) (DrainResult, error) {
	res := DrainResult{Tag: tag}
	snapshot := s.queue.All()
	if len(snapshot) == 0 {
		return res, nil
	}

	ctx, span := s.tracer.Start(ctx, "pokeshell.drain", trace.WithAttributes(
		attribute.String("pokeshell.sync_tag", string(tag)),
		attribute.Int("pokeshell.queue_len", len(snapshot)),
	))
	defer span.End()

	s.log.Info("drain started", Fields{"tag": string(tag), "pending": len(snapshot)})
	var failed []QueuedMutation
	for i, m := range snapshot {
		if ctx.Err() != nil {
			failed = append(failed, snapshot[i:]...)
			break
		}
		res.Attempted++
		status, err := s.replay(ctx, m)
		switch ClassifyReplay(status, err) {
		case OutcomeDelivered:
			res.Delivered++
			s.log.Debug("mutation delivered", Fields{"id": m.ID, "status": status})
		case OutcomeRetry:
			res.Retried++
			m.Attempts++
			failed = append(failed, m)
			s.log.Debug("mutation kept for retry", Fields{"id": m.ID, "status": status, "err": err})
		case OutcomeRejected:
			res.Rejected++
			s.log.Warn("mutation rejected by origin, dropping", Fields{"id": m.ID, "method": m.Method, "url": m.URL, "status": status})
			if s.views != nil {
				s.views.Broadcast(ctx, ViewMessage{Type: MsgSyncRejected, Mutation: refOf(m), Status: status})
			}
		}
	}

	commitErr := s.queue.Reconcile(context.WithoutCancel(ctx), snapshot, failed)
	res.Remaining = s.queue.Len()
	span.SetAttributes(
		attribute.Int("pokeshell.delivered", res.Delivered),
		attribute.Int("pokeshell.retried", res.Retried),
		attribute.Int("pokeshell.rejected", res.Rejected),
	)
	if commitErr != nil {
		span.RecordError(commitErr)
		span.SetStatus(codes.Error, "queue commit failed")
	}

	for _, m := range failed {
		if s.register != nil {
			s.register(m.Tag)
		}
	}
	s.log.Info("drain finished", Fields{
		"tag": string(tag), "delivered": res.Delivered, "retried": res.Retried,
		"rejected": res.Rejected, "remaining": res.Remaining,
	})
	if commitErr != nil {
		return res, fmt.Errorf("commit drain: %w", commitErr)
	}
	return res, nil
}

func (s *SyncCoordinator) replay(ctx context.Context, m QueuedMutation) (int, error) {
	req, err := m.Request(ctx)
	if err != nil {
		// An unbuildable request can never succeed.
		return http.StatusBadRequest, nil
	}
	resp, err := s.net.do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, nil
}
