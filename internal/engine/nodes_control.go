package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"opsflow/internal/errors"
	"opsflow/internal/models"
)

// CONDITION, LOOP and PARALLEL interpreters. LOOP walks its iteration edges
// itself, once per item, so the generic successor routing only sees the
// continuation edges; PARALLEL fans its declared branches out on goroutines.

func (e *Engine) runConditionNode(rt *runtime, node *models.WorkflowNode, ev Event, loop map[string]any) (models.JSONB, models.NodeExecutionStatus, error) {
	var cfg models.ConditionConfig
	if err := node.Config.Decode(&cfg); err != nil {
		return nil, "", errors.NewDefinitionError(node.NodeID, "invalid condition config: %v", err)
	}
	set := models.ConditionSet{Conditions: cfg.Conditions, LogicalOperator: cfg.LogicalOperator}

	matched, err := rt.scope(ev, loop).EvaluateConditionSet(set)
	if err != nil {
		// A malformed predicate routes to the false branch instead of
		// failing the node.
		e.logger.Warn("engine: condition node %s: %v", node.NodeID, errors.NewPredicateError(node.NodeID, err))
		matched = false
	}
	return models.JSONB{"matched": matched, "conditionCount": len(cfg.Conditions)}, "", nil
}

func isLoopIterationHandle(handle string) bool {
	switch strings.ToLower(handle) {
	case "body", "loop", "item":
		return true
	}
	return false
}

func (e *Engine) runLoopNode(ctx context.Context, rt *runtime, node *models.WorkflowNode, ev Event, loop map[string]any) (models.JSONB, models.NodeExecutionStatus, error) {
	var cfg models.LoopConfig
	if err := node.Config.Decode(&cfg); err != nil {
		return nil, "", errors.NewDefinitionError(node.NodeID, "invalid loop config: %v", err)
	}

	items := rt.resolveCollection(ev, loop, cfg.DataSource, cfg.SourceKey, cfg.ResultKey)

	var bodyEdges, emptyEdges []*models.WorkflowConnection
	for _, c := range rt.connectionsFrom(node.NodeID) {
		switch {
		case isLoopIterationHandle(c.SourceHandle):
			bodyEdges = append(bodyEdges, c)
		case strings.EqualFold(c.SourceHandle, "empty"):
			emptyEdges = append(emptyEdges, c)
		}
	}

	if len(items) == 0 {
		for _, c := range emptyEdges {
			if _, err := e.executeBranch(ctx, rt, c.TargetNodeID, ev, loop); err != nil {
				return nil, "", err
			}
		}
		return models.JSONB{"count": 0, "iterations": 0, "itemsProcessed": 0, "empty": true}, "", nil
	}

	maxIterations := defaultMaxIteration
	if cfg.MaxIterations != nil {
		maxIterations = *cfg.MaxIterations
	}

	itemVar := cfg.ItemVariable
	if itemVar == "" {
		itemVar = "item"
	}
	indexVar := cfg.IndexVariable
	if indexVar == "" {
		indexVar = "index"
	}

	iterations := 0
	broke := false
	for i, item := range items {
		if iterations >= maxIterations {
			e.logger.Warn("engine: loop node %s hit max iterations (%d) with %d item(s) remaining", node.NodeID, maxIterations, len(items)-i)
			break
		}

		loopCtx := map[string]any{"item": item, "index": i, "total": len(items)}
		payload := ev.Payload.Clone()
		if payload == nil {
			payload = models.JSONB{}
		}
		payload[itemVar] = item
		payload[indexVar] = i
		payload["loop"] = loopCtx
		iterEv := ev.WithPayload(payload)

		if cfg.BreakCondition != nil {
			matched, err := rt.scope(iterEv, loopCtx).EvaluateCondition(*cfg.BreakCondition)
			if err != nil {
				e.logger.Warn("engine: loop node %s break condition: %v", node.NodeID, err)
			} else if matched {
				broke = true
				break
			}
		}

		for _, c := range bodyEdges {
			if _, err := e.executeBranch(ctx, rt, c.TargetNodeID, iterEv, loopCtx); err != nil {
				return nil, "", err
			}
		}
		iterations++
	}

	return models.JSONB{
		"count":          len(items),
		"iterations":     iterations,
		"itemsProcessed": iterations,
		"broke":          broke,
	}, "", nil
}

func (e *Engine) runParallelNode(ctx context.Context, rt *runtime, node *models.WorkflowNode, ev Event, loop map[string]any) (models.JSONB, models.NodeExecutionStatus, error) {
	var cfg models.ParallelConfig
	if err := node.Config.Decode(&cfg); err != nil {
		return nil, "", errors.NewDefinitionError(node.NodeID, "invalid parallel config: %v", err)
	}
	if len(cfg.ParallelNodeIDs) == 0 {
		return models.JSONB{
			"skipped": true,
			"reason":  "no parallel branches declared",
		}, models.NodeStatusSkipped, nil
	}

	var mu sync.Mutex
	statuses := make(map[string]string, len(cfg.ParallelNodeIDs))
	failed := 0

	g, gctx := errgroup.WithContext(ctx)
	for _, branchID := range cfg.ParallelNodeIDs {
		branchID := branchID
		g.Go(func() error {
			status, err := e.executeBranch(gctx, rt, branchID, ev, loop)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				statuses[branchID] = string(models.NodeStatusFailed)
				failed++
				return err
			}
			statuses[branchID] = string(status)
			if status == models.NodeStatusFailed {
				failed++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Fatal errors from a branch abort the whole execution.
		return nil, "", err
	}

	out := models.JSONB{
		"branches": len(cfg.ParallelNodeIDs),
		"failed":   failed,
		"statuses": statuses,
	}

	switch strings.ToLower(cfg.FailureHandling) {
	case "continue_on_failure":
		return out, "", nil
	case "fail_on_all":
		if failed == len(cfg.ParallelNodeIDs) {
			return nil, "", fmt.Errorf("all %d parallel branches failed", failed)
		}
		return out, "", nil
	default: // fail_on_any
		if failed > 0 {
			return nil, "", fmt.Errorf("%d of %d parallel branches failed", failed, len(cfg.ParallelNodeIDs))
		}
		return out, "", nil
	}
}
