package engine

import (
	"sort"
	"sync"
	"time"

	"opsflow/internal/models"
)

// NodeResult is one entry of the per-execution node trace returned to
// callers.
type NodeResult struct {
	NodeID     string                     `json:"nodeId"`
	Type       models.NodeType            `json:"type"`
	Status     models.NodeExecutionStatus `json:"status"`
	Output     models.JSONB               `json:"output,omitempty"`
	Error      string                     `json:"error,omitempty"`
	DurationMs int64                      `json:"durationMs"`
	Retries    int                        `json:"retries"`
}

// ExecutionResult is the engine's public outcome. The engine never lets an
// error escape its boundary; failures are captured here.
type ExecutionResult struct {
	Success             bool                   `json:"success"`
	ExecutionID         string                 `json:"executionId"`
	ExternalExecutionID string                 `json:"externalExecutionId,omitempty"`
	Status              models.ExecutionStatus `json:"status"`
	NodeResults         []NodeResult           `json:"nodeResults"`
	Error               string                 `json:"error,omitempty"`
}

// runtime carries the mutable per-execution state: node outputs keyed by
// node id, the shared map keyed by user-declared resultKey, visit counters
// and the accumulated trace. PARALLEL fan-out mutates it concurrently, hence
// the mutex.
type runtime struct {
	mu sync.Mutex

	workflow  *models.Workflow
	execution *models.WorkflowExecution
	nodes     map[string]*models.WorkflowNode
	outgoing  map[string][]*models.WorkflowConnection

	event        Event
	user         models.JSONB
	organization models.JSONB

	outputs map[string]any
	shared  map[string]any
	visits  map[string]int
	results []NodeResult

	branchFailures   int
	pendingApprovals int
	visitedNodes     map[string]bool
}

func newRuntime(wf *models.Workflow, exec *models.WorkflowExecution, nodes []*models.WorkflowNode, conns []*models.WorkflowConnection, ev Event) *runtime {
	rt := &runtime{
		workflow:     wf,
		execution:    exec,
		nodes:        make(map[string]*models.WorkflowNode, len(nodes)),
		outgoing:     make(map[string][]*models.WorkflowConnection),
		event:        ev,
		outputs:      make(map[string]any),
		shared:       make(map[string]any),
		visits:       make(map[string]int),
		visitedNodes: make(map[string]bool),
	}
	for _, n := range nodes {
		rt.nodes[n.NodeID] = n
	}
	for _, c := range conns {
		rt.outgoing[c.SourceNodeID] = append(rt.outgoing[c.SourceNodeID], c)
	}
	// Deterministic walk order: executionOrder ascending, row id as tiebreak.
	for _, edges := range rt.outgoing {
		sort.SliceStable(edges, func(i, j int) bool {
			if edges[i].ExecutionOrder != edges[j].ExecutionOrder {
				return edges[i].ExecutionOrder < edges[j].ExecutionOrder
			}
			return edges[i].ID.String() < edges[j].ID.String()
		})
	}
	if u, ok := toMap(ev.Payload["user"]); ok {
		rt.user = u
	}
	if o, ok := toMap(ev.Payload["organization"]); ok {
		rt.organization = o
	}
	return rt
}

// visit bumps and returns the visit counter for a node id.
func (rt *runtime) visit(nodeID string) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.visits[nodeID]++
	rt.visitedNodes[nodeID] = true
	return rt.visits[nodeID]
}

func (rt *runtime) recordOutput(nodeID, resultKey string, output any) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.outputs[nodeID] = output
	if resultKey != "" {
		rt.shared[resultKey] = output
	}
}

func (rt *runtime) addResult(res NodeResult) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.results = append(rt.results, res)
}

func (rt *runtime) noteBranchFailure() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.branchFailures++
}

func (rt *runtime) notePendingApproval() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.pendingApprovals++
}

func (rt *runtime) snapshotResults() []NodeResult {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]NodeResult, len(rt.results))
	copy(out, rt.results)
	return out
}

// progress estimates completion as the share of distinct nodes visited,
// capped below 100 until the execution is finalized.
func (rt *runtime) progress() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	total := len(rt.nodes)
	if total == 0 {
		return 0
	}
	p := len(rt.visitedNodes) * 100 / total
	if p > 99 {
		p = 99
	}
	return p
}

// snapshotState copies the shared and output maps under lock so a walk step
// reads a stable view while PARALLEL siblings keep writing.
func (rt *runtime) snapshotState() (shared, outputs map[string]any) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	shared = make(map[string]any, len(rt.shared))
	for k, v := range rt.shared {
		shared[k] = v
	}
	outputs = make(map[string]any, len(rt.outputs))
	for k, v := range rt.outputs {
		outputs[k] = v
	}
	return shared, outputs
}

// varContext builds the variable-resolution context for one walk step.
func (rt *runtime) varContext(ev Event, loop map[string]any, now time.Time) *VarContext {
	shared, outputs := rt.snapshotState()
	return &VarContext{
		Event:        ev,
		User:         rt.user,
		Organization: rt.organization,
		Shared:       shared,
		Outputs:      outputs,
		Loop:         loop,
		Now:          now,
	}
}

// scope builds the condition-evaluation scope for one walk step.
func (rt *runtime) scope(ev Event, loop map[string]any) *evalScope {
	shared, outputs := rt.snapshotState()
	return &evalScope{
		payload: ev.Payload,
		trigger: ev.AsMap(),
		shared:  shared,
		outputs: outputs,
		loop:    loop,
	}
}

// nodeResultKey reads the resultKey a node's config declares, if the node
// exists.
func (rt *runtime) nodeResultKey(nodeID string) string {
	if node, ok := rt.nodes[nodeID]; ok {
		return node.Config.String("resultKey")
	}
	return ""
}

// connectionsFrom returns the ordered outgoing edges of a node.
func (rt *runtime) connectionsFrom(nodeID string) []*models.WorkflowConnection {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.outgoing[nodeID]
}

// resolveCollection resolves the loop/filter source: dataSource, sourceKey,
// then resultKey, first non-empty wins.
func (rt *runtime) resolveCollection(ev Event, loop map[string]any, keys ...string) []any {
	scope := rt.scope(ev, loop)
	for _, key := range keys {
		if key == "" {
			continue
		}
		v, ok := scope.resolvePath(key)
		if !ok {
			continue
		}
		if arr := toSlice(v); arr != nil {
			return arr
		}
		// Node outputs wrap their collection in a result envelope.
		if m, ok := toMap(v); ok {
			for _, inner := range []string{"result", "records", "items", "data"} {
				if arr := toSlice(m[inner]); arr != nil {
					return arr
				}
			}
		}
	}
	return nil
}

func toSlice(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []models.JSONB:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = item
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = item
		}
		return out
	}
	return nil
}
