package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/flitsinc/agentcore/internal/eventbus"
	"github.com/flitsinc/agentcore/internal/history"
	"github.com/flitsinc/agentcore/internal/idgen"
	"github.com/flitsinc/agentcore/internal/loop"
	"github.com/flitsinc/agentcore/internal/message"
	"github.com/flitsinc/agentcore/internal/task"
)

func (e *Engine) launch(ot *openTask, initial []message.Block) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(ot.done)
		e.runTask(ot, initial)
	}()
}

func (e *Engine) runTask(ot *openTask, initial []message.Block) {
	res, err := ot.task.Run(ot.runCtx, initial)

	// Terminal bookkeeping survives a canceled run context.
	ctx := context.Background()
	ot.item.TokensIn += res.Usage.InputTokens
	ot.item.TokensOut += res.Usage.OutputTokens
	ot.item.Cost += res.Usage.Cost

	if err != nil {
		e.emitError(ctx, ot.item.ID, fmt.Sprintf("task stopped: %v", err))
		interrupted := errors.Is(err, loop.ErrStreamInterrupted)
		e.settle(ctx, ot)
		if interrupted && ot.rehydrations < maxRehydrations {
			if rerr := e.rehydrate(ctx, ot.item.ID, ot.rehydrations+1); rerr != nil {
				e.emitError(ctx, ot.item.ID, fmt.Sprintf("rehydrate: %v", rerr))
			}
		}
		return
	}

	switch res.Status {
	case loop.StatusDelegated:
		e.handleDelegation(ctx, ot, res)
	case loop.StatusCompleted:
		e.completeTask(ctx, ot, res)
	default:
		e.settle(ctx, ot)
	}
}

// maxRehydrations bounds automatic relaunches after a mid-stream provider
// failure; past it the task stays settled until the operator resumes it.
const maxRehydrations = 1

// rehydrate reopens a task from its durable record after a mid-stream
// failure: logs reloaded, dangling tool uses reconciled, loop relaunched
// without fresh operator content.
func (e *Engine) rehydrate(ctx context.Context, id string, attempt int) error {
	item, err := e.store.GetHistoryItem(ctx, id)
	if err != nil {
		return err
	}
	ot, err := e.openExisting(item)
	if err != nil {
		return err
	}
	ot.rehydrations = attempt
	if err := ot.hist.Load(ctx); err != nil {
		e.release(ot)
		return err
	}
	if len(ot.hist.RequestLog()) == 0 {
		e.release(ot)
		return fmt.Errorf("task %s has no durable history", id)
	}
	if err := ot.hist.Reconcile(ctx); err != nil {
		e.release(ot)
		return err
	}
	e.launch(ot, nil)
	return nil
}

// settle persists an aborted or failed task and frees the open slot. The
// task stays active in its durable record so it can be rehydrated.
func (e *Engine) settle(ctx context.Context, ot *openTask) {
	if err := ot.hist.FlushPendingToolResults(ctx); err != nil {
		e.emitError(ctx, ot.item.ID, fmt.Sprintf("flush on close: %v", err))
	}
	if err := e.store.SaveHistoryItem(ctx, ot.item); err != nil {
		e.emitError(ctx, ot.item.ID, fmt.Sprintf("persist on close: %v", err))
	}
	e.release(ot)
}

// handleDelegation suspends the parent and opens the child. Closing the
// parent always precedes opening the child so at most one task is open.
func (e *Engine) handleDelegation(ctx context.Context, parent *openTask, res loop.Result) {
	req := res.Delegation
	childID := idgen.New()

	if err := parent.hist.FlushPendingToolResults(ctx); err != nil {
		e.emitError(ctx, parent.item.ID, fmt.Sprintf("flush before handoff: %v", err))
	}

	parent.item.Status = task.StatusDelegated
	parent.item.AwaitingChildID = childID
	parent.item.DelegatedToID = childID
	parent.item.AddChild(childID)
	if err := e.store.SaveHistoryItem(ctx, parent.item); err != nil {
		e.emitError(ctx, parent.item.ID, fmt.Sprintf("persist handoff: %v", err))
	}
	e.release(parent)

	e.emitDelegation(ctx, parent.item.ID, "delegation-started", map[string]any{
		"child_id": childID,
		"mode":     req.Mode,
	})

	child := task.HistoryItem{
		ID:       childID,
		RootID:   rootOf(parent.item),
		ParentID: parent.item.ID,
		Mode:     req.Mode,
		Status:   task.StatusActive,
	}
	if err := e.store.SaveHistoryItem(ctx, child); err != nil {
		e.emitError(ctx, childID, fmt.Sprintf("persist child: %v", err))
		return
	}

	ot, err := e.openExisting(child)
	if err != nil {
		e.emitError(ctx, childID, fmt.Sprintf("open child: %v", err))
		return
	}
	e.launch(ot, []message.Block{message.Text{Text: req.Message}})
}

func (e *Engine) completeTask(ctx context.Context, ot *openTask, res loop.Result) {
	ot.item.Status = task.StatusCompleted
	ot.item.CompletionResult = res.CompletionResult
	if err := e.store.SaveHistoryItem(ctx, ot.item); err != nil {
		e.emitError(ctx, ot.item.ID, fmt.Sprintf("persist completion: %v", err))
	}
	e.release(ot)

	if ot.item.ParentID == "" {
		return
	}
	e.emitDelegation(ctx, ot.item.ParentID, "delegation-completed", map[string]any{
		"child_id": ot.item.ID,
		"result":   res.CompletionResult,
	})
	if err := e.resumeParent(ctx, ot.item, res.CompletionResult); err != nil {
		e.emitError(ctx, ot.item.ParentID, fmt.Sprintf("resume after delegation: %v", err))
	}
}

// resumeParent reopens a suspended parent after its child completed: the
// child's result is written back as the delegation tool's result, and the
// parent's loop continues from the primed log.
func (e *Engine) resumeParent(ctx context.Context, child task.HistoryItem, result string) error {
	parent, err := e.store.GetHistoryItem(ctx, child.ParentID)
	if err != nil {
		return err
	}
	if parent.AwaitingChildID != child.ID {
		return fmt.Errorf("parent %s awaits %q, not child %s", parent.ID, parent.AwaitingChildID, child.ID)
	}
	parent.Status = task.StatusActive
	parent.AwaitingChildID = ""
	parent.CompletedByChildID = child.ID
	parent.CompletionResultSummary = result
	if err := e.store.SaveHistoryItem(ctx, parent); err != nil {
		return err
	}

	ot, err := e.openExisting(parent)
	if err != nil {
		return err
	}
	if err := ot.hist.Load(ctx); err != nil {
		e.release(ot)
		return err
	}
	// The child's result answers the delegation tool use; only then are any
	// other dangling uses reconciled, so the real result always wins over a
	// synthetic interrupted one.
	if err := e.recordChildResult(ctx, ot.hist, result); err != nil {
		e.release(ot)
		return err
	}
	if err := ot.hist.Reconcile(ctx); err != nil {
		e.release(ot)
		return err
	}

	e.emitDelegation(ctx, parent.ID, "delegation-resumed", map[string]any{
		"child_id": child.ID,
	})
	// The log was rewritten while the provider was out of the picture; its
	// stored continuation token no longer matches.
	ot.task.DropContinuation()
	e.launch(ot, nil)
	return nil
}

// recordChildResult answers the delegation tool use in the parent's request
// log. Logs written before tool-use blocks existed get a plain text entry
// instead.
func (e *Engine) recordChildResult(ctx context.Context, hist *history.Store, result string) error {
	if _, err := hist.Say(ctx, "subtask_result", "subtask result: "+result); err != nil {
		return err
	}
	if use, ok := hist.FindLastToolUse(loop.ToolNewTask); ok {
		hist.AddPendingToolResult(message.ToolResult{
			ToolUseID: use.ID,
			Content:   "Subtask completed with result:\n" + result,
		})
		return hist.FlushPendingToolResults(ctx)
	}
	_, err := hist.AppendUser(ctx, message.Text{Text: "[new_task completed] Result: " + result})
	return err
}

func (e *Engine) emitDelegation(ctx context.Context, taskID, subject string, metadata map[string]any) {
	if e.bus == nil {
		return
	}
	_, _ = e.bus.Push(ctx, eventbus.EventInput{
		Stream:   eventbus.StreamDelegation,
		TaskID:   taskID,
		Subject:  subject,
		Body:     subject,
		Metadata: metadata,
	})
}

func (e *Engine) emitError(ctx context.Context, taskID, body string) {
	if e.bus == nil {
		return
	}
	_, _ = e.bus.Push(ctx, eventbus.EventInput{
		Stream: eventbus.StreamErrors,
		TaskID: taskID,
		Body:   body,
	})
}
