package orchestrator

import (
	"context"
	"fmt"
	"time"

	roadside "github.com/goliatone/go-roadside"
)

// step dispatches one node's work. Handlers return the successor node, or
// parked=true when the execution suspended on a durable wait.
func (e *Engine) step(ctx context.Context, ec *ExecContext, logger Logger) (next Node, parked bool, err error) {
	switch ec.Node {
	case NodeInitialize:
		return e.stepInitialize(ctx, ec)
	case NodeTriggerMatching:
		return e.stepTriggerMatching(ctx, ec, logger)
	case NodeWaitVendorResponse:
		return e.parkForWake(ctx, ec, e.params.VendorResponsePoll)
	case NodeCheckVendorResponse:
		return e.stepCheckVendorResponse(ctx, ec, logger)
	case NodeUpdateSearchParams:
		return e.stepUpdateSearchParams(ctx, ec, logger)
	case NodeVendorAssigned:
		return e.stepVendorAssigned(ctx, ec, logger)
	case NodeWaitVendorArrival:
		return e.parkForWake(ctx, ec, e.params.ArrivalPoll)
	case NodeCheckVendorArrival:
		return e.stepCheckVendorArrival(ctx, ec, logger)
	case NodeHandleVendorTimeout:
		return e.stepHandleVendorTimeout(ctx, ec, logger)
	case NodeVendorArrived:
		return e.stepVendorArrived(ctx, ec)
	case NodeWaitWorkCompletion:
		return e.parkForSignal(ctx, ec, e.params.WorkTimeout)
	case NodeWorkCompleted:
		return e.stepWorkCompleted(ctx, ec)
	case NodeWaitPaymentApproval:
		return e.stepWaitPaymentApproval(ctx, ec)
	case NodeIncidentClosed:
		return e.stepIncidentClosed(ctx, ec, logger)
	case NodeHandleMatchingError:
		return e.stepHandleMatchingError(ctx, ec, logger)
	case NodeEscalate:
		return e.stepEscalate(ctx, ec, logger)
	case NodeEscalationComplete:
		return e.stepEscalationComplete(ctx, ec, logger)
	case NodeCancelled:
		return e.stepCancelled(ctx, ec, logger)
	}
	return "", false, roadside.WrapError(roadside.ErrInvalidTransition, "unknown machine node", nil,
		map[string]any{"incident_id": ec.IncidentID, "node": string(ec.Node)})
}

// effectKey scopes a side effect to this incident, node, attempt, and
// matching cycle.
func (e *Engine) effectKey(ec *ExecContext, effect string) string {
	return EffectKey(ec.IncidentID, ec.Node, ec.Attempt, fmt.Sprintf("%s.g%d", effect, ec.Generation))
}

// stepInitialize resets the search state for a fresh matching cycle. It runs
// both for brand new incidents and after a vendor arrival timeout.
func (e *Engine) stepInitialize(ctx context.Context, ec *ExecContext) (Node, bool, error) {
	ec.Generation++
	ec.Attempt = 1
	ec.RadiusMiles = e.params.BaseRadiusMiles
	ec.VendorID = ""
	ec.AssignedAt = nil
	ec.EscalationReason = ""
	ec.ErrorDetail = ""

	_, err := e.update(ctx, ec.IncidentID, "", func(inc *roadside.Incident) error {
		inc.Attempt = ec.Attempt
		inc.RadiusMiles = ec.RadiusMiles
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return NodeTriggerMatching, false, nil
}

// stepTriggerMatching fires one match request for the current attempt and
// radius. The effect ledger caps the request at one per attempt even when
// the step re-runs after a crash between the ledger write and the park.
func (e *Engine) stepTriggerMatching(ctx context.Context, ec *ExecContext, logger Logger) (Node, bool, error) {
	rec, err := e.records.Get(ctx, ec.IncidentID)
	if err != nil {
		return "", false, err
	}
	if rec.CancelRequested {
		return NodeCancelled, false, nil
	}

	first, err := e.ledger.MarkOnce(ctx, e.effectKey(ec, "match_request"))
	if err != nil {
		return "", false, err
	}
	if !first {
		logger.Debug("match request already sent for this attempt")
		return NodeWaitVendorResponse, false, nil
	}

	req := roadside.MatchRequested{
		IncidentID:  rec.ID,
		DriverID:    rec.DriverID,
		Kind:        rec.Type,
		Location:    rec.Location,
		RadiusMiles: ec.RadiusMiles,
		Attempt:     ec.Attempt,
		RequestedAt: e.now(),
	}
	if err := e.matcher.RequestMatch(ctx, req); err != nil {
		logger.Error("match request failed attempt=%d err=%v", ec.Attempt, err)
		ec.ErrorDetail = err.Error()
		return NodeHandleMatchingError, false, nil
	}
	logger.Info("match requested radius=%.1f attempt=%d", ec.RadiusMiles, ec.Attempt)
	return NodeWaitVendorResponse, false, nil
}

// parkForWake suspends the execution on a poll-style timer. The wake lands
// back on the paired check node.
func (e *Engine) parkForWake(ctx context.Context, ec *ExecContext, after time.Duration) (Node, bool, error) {
	tok, err := e.waits.ScheduleWake(ctx, ec.IncidentID, string(ec.Node), after)
	if err != nil {
		return "", false, err
	}
	ec.WaitTokenID = tok.ID
	return ec.Node, true, nil
}

// parkForSignal suspends the execution on a single-use external signal with
// an expiry deadline.
func (e *Engine) parkForSignal(ctx context.Context, ec *ExecContext, after time.Duration) (Node, bool, error) {
	tok, err := e.waits.ParkForSignal(ctx, ec.IncidentID, string(ec.Node), after)
	if err != nil {
		return "", false, err
	}
	ec.WaitTokenID = tok.ID
	return ec.Node, true, nil
}

// stepCheckVendorResponse re-reads the record store after a response poll.
// The record is authoritative; event payloads are only hints.
func (e *Engine) stepCheckVendorResponse(ctx context.Context, ec *ExecContext, logger Logger) (Node, bool, error) {
	rec, err := e.records.Get(ctx, ec.IncidentID)
	if err != nil {
		return "", false, err
	}
	switch {
	case rec.CancelRequested:
		return NodeCancelled, false, nil
	case rec.AssignedVendorID != "":
		logger.Info("vendor accepted vendor=%s", rec.AssignedVendorID)
		return NodeVendorAssigned, false, nil
	case ec.Attempt >= e.params.MaxAttempts:
		ec.EscalationReason = fmt.Sprintf("no vendor found after %d matching rounds", ec.Attempt)
		logger.Warn("matching exhausted attempts=%d", ec.Attempt)
		return NodeEscalate, false, nil
	}
	return NodeUpdateSearchParams, false, nil
}

// stepUpdateSearchParams widens the search for the next matching round.
func (e *Engine) stepUpdateSearchParams(ctx context.Context, ec *ExecContext, logger Logger) (Node, bool, error) {
	ec.Attempt++
	ec.RadiusMiles *= e.params.RadiusFactor
	_, err := e.update(ctx, ec.IncidentID, "", func(inc *roadside.Incident) error {
		inc.Attempt = ec.Attempt
		inc.RadiusMiles = ec.RadiusMiles
		return nil
	})
	if err != nil {
		return "", false, err
	}
	logger.Info("search widened attempt=%d radius=%.1f", ec.Attempt, ec.RadiusMiles)
	return NodeTriggerMatching, false, nil
}

// stepVendorAssigned records the assignment and starts the arrival clock.
func (e *Engine) stepVendorAssigned(ctx context.Context, ec *ExecContext, logger Logger) (Node, bool, error) {
	now := e.now()
	rec, err := e.update(ctx, ec.IncidentID, "", func(inc *roadside.Incident) error {
		if inc.Status.AtOrPast(roadside.StatusVendorAssigned) {
			return nil
		}
		if !inc.SetStatus(roadside.StatusVendorAssigned, now, "orchestrator", "vendor accepted offer") {
			return roadside.WrapError(roadside.ErrInvalidTransition, "cannot mark vendor assigned", nil,
				map[string]any{"incident_id": inc.ID, "status": string(inc.Status)})
		}
		if inc.AssignedAt == nil {
			at := now
			inc.AssignedAt = &at
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	ec.VendorID = rec.AssignedVendorID
	if rec.AssignedAt != nil {
		at := *rec.AssignedAt
		ec.AssignedAt = &at
	} else {
		at := now
		ec.AssignedAt = &at
	}
	logger.Info("vendor assigned vendor=%s", ec.VendorID)
	return NodeWaitVendorArrival, false, nil
}

// stepCheckVendorArrival re-reads the record after an arrival poll and
// decides between arrived, timed out, and keep waiting.
func (e *Engine) stepCheckVendorArrival(ctx context.Context, ec *ExecContext, logger Logger) (Node, bool, error) {
	rec, err := e.records.Get(ctx, ec.IncidentID)
	if err != nil {
		return "", false, err
	}
	if rec.CancelRequested {
		return NodeCancelled, false, nil
	}
	if rec.Status.AtOrPast(roadside.StatusVendorArrived) {
		return NodeVendorArrived, false, nil
	}
	if ec.AssignedAt != nil && e.now().Sub(*ec.AssignedAt) >= e.params.ArrivalTimeout {
		logger.Warn("vendor arrival timed out vendor=%s", ec.VendorID)
		return NodeHandleVendorTimeout, false, nil
	}
	return NodeWaitVendorArrival, false, nil
}

// stepHandleVendorTimeout releases the no-show vendor and restarts matching
// from scratch. The record reset and both notifications are one-shot per
// timed-out assignment.
func (e *Engine) stepHandleVendorTimeout(ctx context.Context, ec *ExecContext, logger Logger) (Node, bool, error) {
	now := e.now()
	vendorID := ec.VendorID
	elapsed := 0
	if ec.AssignedAt != nil {
		elapsed = int(now.Sub(*ec.AssignedAt).Minutes())
	}

	first, err := e.ledger.MarkOnce(ctx, e.effectKey(ec, "vendor_timeout"))
	if err != nil {
		return "", false, err
	}
	if first {
		rec, err := e.update(ctx, ec.IncidentID, "", func(inc *roadside.Incident) error {
			inc.ClearVendor()
			if inc.Status != roadside.StatusCreated {
				if !inc.SetStatus(roadside.StatusCreated, now, "orchestrator", "vendor arrival timeout") {
					return roadside.WrapError(roadside.ErrInvalidTransition, "cannot reset incident", nil,
						map[string]any{"incident_id": inc.ID, "status": string(inc.Status)})
				}
			}
			return nil
		})
		if err != nil {
			return "", false, err
		}

		if err := e.pub.Publish(ctx, roadside.VendorTimeout{
			IncidentID:     ec.IncidentID,
			VendorID:       vendorID,
			TimeoutType:    roadside.TimeoutArrival,
			ElapsedMinutes: elapsed,
		}); err != nil {
			logger.Error("vendor timeout publish failed err=%v", err)
		}
		if err := e.pub.Publish(ctx, roadside.IncidentCreated{
			IncidentID: rec.ID,
			DriverID:   rec.DriverID,
			Kind:       rec.Type,
			Location:   rec.Location,
			CreatedAt:  rec.CreatedAt,
			IsRetry:    true,
		}); err != nil {
			logger.Error("retry publish failed err=%v", err)
		}
		logger.Info("vendor released after timeout vendor=%s elapsed_min=%d", vendorID, elapsed)
	}

	ec.VendorID = ""
	ec.AssignedAt = nil
	return NodeInitialize, false, nil
}

// stepVendorArrived confirms the status; external writers may already have
// moved the record past it.
func (e *Engine) stepVendorArrived(ctx context.Context, ec *ExecContext) (Node, bool, error) {
	now := e.now()
	_, err := e.update(ctx, ec.IncidentID, "", func(inc *roadside.Incident) error {
		if inc.Status.AtOrPast(roadside.StatusVendorArrived) {
			return nil
		}
		inc.SetStatus(roadside.StatusVendorArrived, now, "orchestrator", "arrival confirmed")
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return NodeWaitWorkCompletion, false, nil
}

// stepWorkCompleted confirms the work-done status after the signal resumed.
func (e *Engine) stepWorkCompleted(ctx context.Context, ec *ExecContext) (Node, bool, error) {
	now := e.now()
	_, err := e.update(ctx, ec.IncidentID, "", func(inc *roadside.Incident) error {
		if inc.Status.AtOrPast(roadside.StatusWorkCompleted) {
			return nil
		}
		inc.SetStatus(roadside.StatusWorkCompleted, now, "orchestrator", "work reported complete")
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return NodeWaitPaymentApproval, false, nil
}

// stepWaitPaymentApproval moves the record to payment pending exactly once,
// then parks for the approval signal. A duplicate work-completed event after
// the park finds its token consumed and changes nothing.
func (e *Engine) stepWaitPaymentApproval(ctx context.Context, ec *ExecContext) (Node, bool, error) {
	now := e.now()
	_, err := e.update(ctx, ec.IncidentID, "", func(inc *roadside.Incident) error {
		if inc.Status.AtOrPast(roadside.StatusPaymentPending) {
			return nil
		}
		inc.SetStatus(roadside.StatusPaymentPending, now, "orchestrator", "awaiting payment approval")
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return e.parkForSignal(ctx, ec, e.params.PaymentTimeout)
}

// stepIncidentClosed is the happy terminal: closed status, completion stamp.
func (e *Engine) stepIncidentClosed(ctx context.Context, ec *ExecContext, logger Logger) (Node, bool, error) {
	now := e.now()
	_, err := e.update(ctx, ec.IncidentID, "", func(inc *roadside.Incident) error {
		if inc.Status == roadside.StatusClosed {
			return nil
		}
		if !inc.SetStatus(roadside.StatusClosed, now, "orchestrator", "payment approved") {
			return roadside.WrapError(roadside.ErrInvalidTransition, "cannot close incident", nil,
				map[string]any{"incident_id": inc.ID, "status": string(inc.Status)})
		}
		at := now
		inc.CompletedAt = &at
		return nil
	})
	if err != nil {
		return "", false, err
	}
	logger.Info("incident closed")
	return NodeIncidentClosed, false, nil
}

// stepHandleMatchingError records the infrastructure failure and routes to
// escalation. Business exhaustion never lands here.
func (e *Engine) stepHandleMatchingError(ctx context.Context, ec *ExecContext, logger Logger) (Node, bool, error) {
	detail := ec.ErrorDetail
	if detail == "" {
		detail = "vendor matching failed"
	}
	now := e.now()
	_, err := e.update(ctx, ec.IncidentID, "", func(inc *roadside.Incident) error {
		if inc.Status == roadside.StatusError {
			return nil
		}
		inc.SetStatus(roadside.StatusError, now, "orchestrator", detail)
		return nil
	})
	if err != nil {
		return "", false, err
	}
	ec.EscalationReason = "vendor matching failed: " + detail
	logger.Error("matching infrastructure error detail=%s", detail)
	return NodeEscalate, false, nil
}

// stepEscalate hands the incident to a human dispatcher. The notification
// is one-shot per escalation; a failed sink is logged and the published
// event carries the escalation at least once.
func (e *Engine) stepEscalate(ctx context.Context, ec *ExecContext, logger Logger) (Node, bool, error) {
	reason := ec.EscalationReason
	if reason == "" {
		reason = "escalation requested"
	}
	first, err := e.ledger.MarkOnce(ctx, e.effectKey(ec, "escalation"))
	if err != nil {
		return "", false, err
	}
	if first {
		esc := roadside.IncidentEscalated{
			IncidentID:                 ec.IncidentID,
			Reason:                     reason,
			Attempts:                   ec.Attempt,
			EscalatedAt:                e.now(),
			RequiresManualIntervention: true,
		}
		if err := e.notifier.NotifyEscalation(ctx, esc); err != nil {
			logger.Error("escalation notify failed err=%v", err)
		}
		logger.Warn("incident escalated reason=%s", reason)
	}
	return NodeEscalationComplete, false, nil
}

// stepEscalationComplete is the escalated terminal.
func (e *Engine) stepEscalationComplete(ctx context.Context, ec *ExecContext, logger Logger) (Node, bool, error) {
	now := e.now()
	_, err := e.update(ctx, ec.IncidentID, "", func(inc *roadside.Incident) error {
		if inc.Status == roadside.StatusEscalated {
			return nil
		}
		if !inc.SetStatus(roadside.StatusEscalated, now, "orchestrator", ec.EscalationReason) {
			return roadside.WrapError(roadside.ErrInvalidTransition, "cannot escalate incident", nil,
				map[string]any{"incident_id": inc.ID, "status": string(inc.Status)})
		}
		if inc.EscalatedAt == nil {
			at := now
			inc.EscalatedAt = &at
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return NodeEscalationComplete, false, nil
}

// stepCancelled is the cancelled terminal. Any straggling wait is revoked.
func (e *Engine) stepCancelled(ctx context.Context, ec *ExecContext, logger Logger) (Node, bool, error) {
	if err := e.waits.Revoke(ctx, ec.IncidentID); err != nil && !roadside.IsNotFound(err) {
		return "", false, err
	}
	now := e.now()
	_, err := e.update(ctx, ec.IncidentID, "", func(inc *roadside.Incident) error {
		if inc.Status == roadside.StatusCancelled {
			return nil
		}
		if !inc.SetStatus(roadside.StatusCancelled, now, "driver", "driver cancelled") {
			return roadside.WrapError(roadside.ErrInvalidTransition, "cannot cancel incident", nil,
				map[string]any{"incident_id": inc.ID, "status": string(inc.Status)})
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	logger.Info("incident cancelled")
	return NodeCancelled, false, nil
}
