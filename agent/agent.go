// Package agent runs the orchestrator loop: it ingests user utterances,
// schedules the pipeline's services over each dialog turn, folds service
// responses into the dialog through state hooks, and ends the turn when
// the responder fires, the pipeline stalls, or the deadline elapses.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/dialogstack/conductor/agent/connector"
	"github.com/dialogstack/conductor/agent/metrics"
	"github.com/dialogstack/conductor/agent/pipeline"
	"github.com/dialogstack/conductor/agent/workflow"
	"github.com/dialogstack/conductor/dialog"
)

// DialogStore is the dialog repository collaborator the agent persists
// through. Implementations are injected; the loop never touches a database
// directly.
type DialogStore interface {
	GetOrCreateDialog(ctx context.Context, userExternalID, channelType string) (*dialog.Dialog, error)
	DropActiveDialog(ctx context.Context, userExternalID string) (string, error)
	SaveDialog(ctx context.Context, d *dialog.Dialog) error
}

// Message is one ingress utterance from a channel adapter.
type Message struct {
	Utterance       string
	UserExternalID  string
	UserDeviceType  string
	ChannelType     string
	Location        string
	DateTime        time.Time
	ResetDialog     bool
	RequireResponse bool
	Deadline        time.Time
	Attrs           map[string]any
}

// Agent wires the pipeline, the workflow manager and the dialog store into
// one orchestrator loop.
type Agent struct {
	name     string
	pipe     *pipeline.Pipeline
	wf       *workflow.Manager
	store    DialogStore
	exporter *metrics.Exporter

	userLocks *keyedMutex
}

// New builds the agent. The workflow manager is shared with whoever built
// the pipeline's responder connector so the response latch can be fired
// from there. exporter may be nil.
func New(name string, pipe *pipeline.Pipeline, wf *workflow.Manager, store DialogStore, exporter *metrics.Exporter) *Agent {
	return &Agent{
		name:      name,
		pipe:      pipe,
		wf:        wf,
		store:     store,
		exporter:  exporter,
		userLocks: newKeyedMutex(),
	}
}

// Name returns the agent's broker identity.
func (a *Agent) Name() string { return a.name }

// Workflow exposes the workflow manager, used by gateways to resolve the
// response latch of an active dialog.
func (a *Agent) Workflow() *workflow.Manager { return a.wf }

// RegisterMessage is the channel ingress. Successive utterances from the
// same (channel, user) pair serialize on a keyed mutex held across the
// whole request/response cycle, so the second utterance is not appended
// until the first turn is flushed. When msg.RequireResponse is set the
// call blocks on the response latch and returns the flushed dialog.
func (a *Agent) RegisterMessage(ctx context.Context, msg Message) (*dialog.Dialog, error) {
	key := msg.ChannelType + "/" + msg.UserExternalID
	a.userLocks.Lock(key)
	held := true
	defer func() {
		if held {
			a.userLocks.Unlock(key)
		}
	}()

	if msg.ResetDialog {
		closed, err := a.store.DropActiveDialog(ctx, msg.UserExternalID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to drop active dialog")
		}
		if closed != "" {
			slog.Info("agent: dialog reset", slog.String("closed", closed), slog.String("user", msg.UserExternalID))
		}
	}

	d, err := a.store.GetOrCreateDialog(ctx, msg.UserExternalID, msg.ChannelType)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load dialog")
	}

	rec, err := a.wf.AddRecord(d, msg.Deadline, msg.RequireResponse, ingressAttrs(msg))
	if err != nil {
		return nil, err
	}
	if a.exporter != nil {
		a.exporter.WorkflowStarted()
	}

	taskID, ok := a.wf.AddTask(d.ID, a.pipe.Input, msg.Utterance, 0)
	if !ok {
		a.flush(d.ID)
		return nil, errors.Errorf("failed to open input task for dialog %s", d.ID)
	}
	if !msg.Deadline.IsZero() {
		a.wf.SetDeadlineWatcher(d.ID, a.watchDeadline(d.ID, msg.Deadline))
	}
	go a.Process(context.WithoutCancel(ctx), taskID, connector.Ok(msg.Utterance))

	if !msg.RequireResponse {
		// The turn keeps the user's lock until it flushes, so a following
		// utterance queues behind the live workflow record instead of
		// colliding with it.
		held = false
		go func() {
			<-rec.Latch.Done()
			a.userLocks.Unlock(key)
		}()
		return nil, nil
	}
	select {
	case <-rec.Latch.Done():
		if flushed := a.flush(d.ID); flushed != nil {
			return flushed.Dialog, nil
		}
		return d, nil
	case <-ctx.Done():
		if flushed := a.flush(d.ID); flushed != nil {
			flushed.CancelPending()
		}
		return nil, ctx.Err()
	}
}

// Process joins one task result back into the workflow: bookkeeping, state
// hook, selector pruning, responder flush, and dispatch of whatever became
// runnable. It is the callback every connector send completes through; a
// late result for a flushed or already completed task is a no-op.
func (a *Agent) Process(ctx context.Context, taskID string, result connector.Result) {
	rec, task := a.wf.CompleteTask(taskID, result.Failed())
	if rec == nil || task == nil {
		slog.Debug("agent: discarding late task result", slog.String("task", taskID))
		return
	}
	svc := task.Service
	if a.exporter != nil {
		a.exporter.ObserveServiceLatency(svc.Label, task.DoneTime.Sub(task.SendTime))
	}

	rec.LockHooks()
	defer rec.UnlockHooks()
	dialogID := rec.Dialog.ID

	if svc.IsLastChance() || svc.IsTimeout() {
		done, waiting, skipped := a.wf.ServicesStatus(dialogID)
		slog.Warn("agent: fallback service fired",
			slog.String("dialog", dialogID), slog.String("service", svc.Label),
			slog.Any("done", names(done)), slog.Any("in_progress", names(waiting)), slog.Any("skipped", names(skipped)))
	}

	if result.Failed() {
		a.failService(dialogID, svc, result.Err)
	} else {
		formatted, err := svc.FormatResponse(result.Response)
		if err != nil {
			a.failService(dialogID, svc, err)
		} else {
			if svc.StateHook != nil {
				if err := svc.StateHook(ctx, rec.Dialog, formatted, svc.Label, task.Ind, rec.Attrs); err != nil {
					slog.Error("agent: state hook failed",
						slog.String("dialog", dialogID), slog.String("service", svc.Label), slog.Any("err", err))
				}
			}
			switch {
			case svc.IsSelector():
				kept := keptLabels(formatted)
				for _, next := range svc.Next() {
					if !kept[next.Label] {
						a.wf.SkipService(dialogID, next)
					}
				}
			case svc.IsResponder():
				if !rec.HoldFlush {
					a.flush(dialogID)
				}
				return
			case svc.IsLastChance() || svc.IsTimeout():
				a.finalize(ctx, rec)
				return
			}
		}
	}

	a.advance(ctx, rec)
}

// advance dispatches every service that became runnable. When nothing is
// runnable, nothing is in flight and the responder has not completed, the
// pipeline has stalled short of a reply: the last-chance service runs, or
// the turn is finalized directly when none is configured.
func (a *Agent) advance(ctx context.Context, rec *workflow.Record) {
	dialogID := rec.Dialog.ID
	done, waiting, skipped := a.wf.ServicesStatus(dialogID)
	next := a.pipe.NextServices(done, waiting, skipped)
	dispatched := 0
	for _, s := range next {
		dispatched += a.dispatch(ctx, rec, s)
	}
	if dispatched > 0 || len(waiting) > 0 || done[a.pipe.Responder.Name] {
		return
	}
	if lc := a.pipe.LastChance; lc != nil && !done[lc.Name] && !skipped[lc.Name] {
		rec.Outcome = metrics.StatusFallback
		if a.dispatch(ctx, rec, lc) > 0 {
			return
		}
	}
	a.finalize(ctx, rec)
}

// dispatch renders the service's payload list and sends one task per
// payload, recording a cancellable handle for each. Returns the number of
// tasks actually sent.
func (a *Agent) dispatch(ctx context.Context, rec *workflow.Record, svc *pipeline.Service) int {
	dialogID := rec.Dialog.ID
	payloads, err := svc.Payloads(rec.Dialog)
	if err != nil {
		a.failService(dialogID, svc, err)
		return 0
	}
	sent := 0
	for ind, payload := range payloads {
		taskID, ok := a.wf.AddTask(dialogID, svc, payload, ind)
		if !ok {
			continue
		}
		// The send must outlive the response that triggered it; only the
		// deadline watcher cancels it.
		sendCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		a.wf.SetTaskHandle(dialogID, taskID, cancel)
		go svc.Connector.Send(sendCtx, connector.Task{ID: taskID, Payload: payload}, a.onResult)
		sent++
	}
	return sent
}

func (a *Agent) onResult(taskID string, result connector.Result) {
	a.Process(context.Background(), taskID, result)
}

// failService confines an error to the failing service: the error is
// logged, counted, and every dependent service is skipped.
func (a *Agent) failService(dialogID string, svc *pipeline.Service, err error) {
	slog.Warn("agent: service errored",
		slog.String("dialog", dialogID), slog.String("service", svc.Label), slog.Any("err", err))
	if a.exporter != nil {
		a.exporter.ServiceError(svc.Label)
	}
	a.wf.SkipService(dialogID, svc)
	for _, dep := range svc.Dependents() {
		a.wf.SkipService(dialogID, dep)
	}
}

// finalize ends a turn that did not reach the responder: the dialog is
// persisted, the record flushed unless the ingress call drains it itself,
// and the latch released. Callers hold the record's hook mutex.
func (a *Agent) finalize(ctx context.Context, rec *workflow.Record) {
	if err := a.store.SaveDialog(ctx, rec.Dialog); err != nil {
		slog.Error("agent: failed to save dialog on finalize",
			slog.String("dialog", rec.Dialog.ID), slog.Any("err", err))
	}
	if !rec.HoldFlush {
		a.flush(rec.Dialog.ID)
	}
	rec.Latch.Fire()
}

// flush detaches the workflow record, stops its deadline watcher, cancels
// leftover task handles, and records the turn outcome.
func (a *Agent) flush(dialogID string) *workflow.Record {
	rec := a.wf.FlushRecord(dialogID)
	if rec == nil {
		return nil
	}
	// Waiters release only once the record is detached; anything they do
	// next (a queued utterance for the same user) sees a clean workflow.
	rec.Latch.Fire()
	rec.StopDeadlineWatcher()
	rec.CancelPending()
	outcome := rec.Outcome
	if outcome == "" {
		outcome = metrics.StatusResponded
	}
	if a.exporter != nil {
		a.exporter.WorkflowCompleted(outcome)
	}
	slog.Info("agent: workflow flushed",
		slog.String("dialog", dialogID), slog.String("outcome", outcome),
		slog.Int("utterances", len(rec.Dialog.Utterances)))
	return rec
}

// watchDeadline arms the turn's deadline: when it elapses, every in-flight
// task handle is cancelled and the timeout service runs so the normal
// completion path produces the fallback reply. Returns the stop function a
// flush uses to disarm the watcher.
func (a *Agent) watchDeadline(dialogID string, deadline time.Time) func() {
	ctx, stop := context.WithCancel(context.Background())
	go func() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		rec := a.wf.Record(dialogID)
		if rec == nil {
			return
		}
		cancelled := a.wf.CancelPendingTasks(dialogID)
		slog.Warn("agent: deadline elapsed",
			slog.String("dialog", dialogID), slog.Int("cancelled_tasks", cancelled))

		rec.LockHooks()
		defer rec.UnlockHooks()
		rec.Outcome = metrics.StatusTimeout
		if a.pipe.Timeout != nil {
			if a.dispatch(context.Background(), rec, a.pipe.Timeout) > 0 {
				return
			}
		}
		a.finalize(context.Background(), rec)
	}()
	return stop
}

func ingressAttrs(msg Message) map[string]any {
	attrs := make(map[string]any, len(msg.Attrs)+3)
	for k, v := range msg.Attrs {
		attrs[k] = v
	}
	if msg.UserDeviceType != "" {
		attrs["user_device_type"] = msg.UserDeviceType
	}
	if msg.Location != "" {
		attrs["location"] = msg.Location
	}
	if !msg.DateTime.IsZero() {
		attrs["date_time"] = msg.DateTime
	}
	return attrs
}

// keptLabels extracts the selector's kept skill-name set from its
// formatted response.
func keptLabels(formatted any) map[string]bool {
	kept := map[string]bool{}
	names, _ := formatted.([]any)
	for _, n := range names {
		if s, ok := n.(string); ok {
			kept[s] = true
		}
	}
	return kept
}

func names(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	return out
}
