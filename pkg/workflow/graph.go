package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/stableinfra/go-sdk/pkg/core"
	"github.com/stableinfra/go-sdk/pkg/errors"
	"github.com/stableinfra/go-sdk/pkg/gateway"
)

// NodeKind identifies what a graph node does.
type NodeKind string

const (
	// NodePhase executes a phase
	NodePhase NodeKind = "phase"
	// NodeConditional runs a user function that returns the next node id
	NodeConditional NodeKind = "conditional"
	// NodeParallel runs a fixed set of phase nodes in parallel
	NodeParallel NodeKind = "parallel-group"
	// NodeMerge synchronises before proceeding
	NodeMerge NodeKind = "merge-point"
	// NodeBranch executes a branch's phases in order
	NodeBranch NodeKind = "branch"
)

// EdgeCondition selects when an edge is taken.
type EdgeCondition string

const (
	// EdgeAlways is taken unconditionally
	EdgeAlways EdgeCondition = "always"
	// EdgeSuccess is taken when the source node succeeded
	EdgeSuccess EdgeCondition = "success"
	// EdgeFailure is taken when the source node failed
	EdgeFailure EdgeCondition = "failure"
	// EdgeCustom is taken when the source's decision metadata routed to its
	// label
	EdgeCustom EdgeCondition = "custom"
)

// Edge connects two graph nodes.
type Edge struct {
	From      string        `json:"from"`
	To        string        `json:"to"`
	Condition EdgeCondition `json:"condition"`
	Label     string        `json:"label,omitempty"`
}

// ConditionalFunc picks the next node id at a conditional node.
type ConditionalFunc func(ctx context.Context, in *DecisionInput) (string, error)

// Node is one vertex of a graph workflow.
type Node struct {
	ID   string   `json:"id"`
	Kind NodeKind `json:"kind"`

	Phase    *Phase          `json:"phase,omitempty"`
	Branch   *Branch         `json:"branch,omitempty"`
	Children []string        `json:"children,omitempty"`
	Choose   ConditionalFunc `json:"-"`
}

// Graph is a validated DAG of workflow nodes. Build one with GraphBuilder.
type Graph struct {
	nodes map[string]*Node
	order []string
	edges []Edge
	out   map[string][]Edge
	entry string
	exits map[string]bool
}

// Entry returns the declared entry node id.
func (g *Graph) Entry() string { return g.entry }

// Node returns a node by id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// GraphBuilder assembles and validates a graph workflow.
type GraphBuilder struct {
	nodes map[string]*Node
	order []string
	edges []Edge
	entry string
	exits map[string]bool
	errs  []error
}

// NewGraphBuilder creates an empty builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		nodes: make(map[string]*Node),
		exits: make(map[string]bool),
	}
}

func (gb *GraphBuilder) addNode(n *Node) *GraphBuilder {
	if n.ID == "" {
		gb.errs = append(gb.errs, errors.NewValidationError("graph node is missing an id"))
		return gb
	}
	if _, exists := gb.nodes[n.ID]; exists {
		gb.errs = append(gb.errs, errors.NewValidationError(fmt.Sprintf("duplicate graph node id %q", n.ID)))
		return gb
	}
	gb.nodes[n.ID] = n
	gb.order = append(gb.order, n.ID)
	return gb
}

// AddPhase adds a phase node; the node id is the phase id.
func (gb *GraphBuilder) AddPhase(phase *Phase) *GraphBuilder {
	if phase == nil {
		gb.errs = append(gb.errs, errors.NewValidationError("graph phase node is nil"))
		return gb
	}
	return gb.addNode(&Node{ID: phase.ID, Kind: NodePhase, Phase: phase})
}

// AddConditional adds a routing node driven by fn.
func (gb *GraphBuilder) AddConditional(id string, fn ConditionalFunc) *GraphBuilder {
	return gb.addNode(&Node{ID: id, Kind: NodeConditional, Choose: fn})
}

// AddParallelGroup adds a node that runs the named phase nodes in parallel.
func (gb *GraphBuilder) AddParallelGroup(id string, children ...string) *GraphBuilder {
	return gb.addNode(&Node{ID: id, Kind: NodeParallel, Children: children})
}

// AddMerge adds a synchronisation node.
func (gb *GraphBuilder) AddMerge(id string) *GraphBuilder {
	return gb.addNode(&Node{ID: id, Kind: NodeMerge})
}

// AddBranch adds a node that runs a branch's phases in declared order.
func (gb *GraphBuilder) AddBranch(branch *Branch) *GraphBuilder {
	if branch == nil {
		gb.errs = append(gb.errs, errors.NewValidationError("graph branch node is nil"))
		return gb
	}
	return gb.addNode(&Node{ID: branch.ID, Kind: NodeBranch, Branch: branch})
}

// AddEdge connects from -> to under the given condition.
func (gb *GraphBuilder) AddEdge(from, to string, condition EdgeCondition) *GraphBuilder {
	gb.edges = append(gb.edges, Edge{From: from, To: to, Condition: condition})
	return gb
}

// AddCustomEdge connects from -> to, taken when the source phase's decision
// metadata routes to label.
func (gb *GraphBuilder) AddCustomEdge(from, to, label string) *GraphBuilder {
	gb.edges = append(gb.edges, Edge{From: from, To: to, Condition: EdgeCustom, Label: label})
	return gb
}

// SetEntry declares the entry point.
func (gb *GraphBuilder) SetEntry(id string) *GraphBuilder {
	gb.entry = id
	return gb
}

// MarkExit declares a terminal node; exits need no outgoing edges.
func (gb *GraphBuilder) MarkExit(id string) *GraphBuilder {
	gb.exits[id] = true
	return gb
}

// Build validates the graph and returns it: every referenced node must exist,
// the graph must be acyclic, every non-terminal node needs an outgoing edge
// and an entry point must be declared. Validation failures are fatal.
func (gb *GraphBuilder) Build() (*Graph, error) {
	if len(gb.errs) > 0 {
		return nil, gb.errs[0]
	}
	if gb.entry == "" {
		return nil, errors.NewValidationError("graph entry point is not declared")
	}
	if _, ok := gb.nodes[gb.entry]; !ok {
		return nil, errors.NewValidationError(fmt.Sprintf("graph entry node %q does not exist", gb.entry))
	}
	out := make(map[string][]Edge)
	for _, e := range gb.edges {
		if _, ok := gb.nodes[e.From]; !ok {
			return nil, errors.NewValidationError(fmt.Sprintf("graph edge references missing node %q", e.From))
		}
		if _, ok := gb.nodes[e.To]; !ok {
			return nil, errors.NewValidationError(fmt.Sprintf("graph edge references missing node %q", e.To))
		}
		out[e.From] = append(out[e.From], e)
	}
	for _, id := range gb.order {
		n := gb.nodes[id]
		if n.Kind == NodeParallel {
			for _, child := range n.Children {
				childNode, ok := gb.nodes[child]
				if !ok {
					return nil, errors.NewValidationError(fmt.Sprintf("parallel group %q references missing node %q", id, child))
				}
				if childNode.Kind != NodePhase {
					return nil, errors.NewValidationError(fmt.Sprintf("parallel group %q child %q is not a phase node", id, child))
				}
			}
		}
		if len(out[id]) == 0 && !gb.exits[id] && n.Kind != NodeConditional {
			return nil, errors.NewValidationError(fmt.Sprintf("graph node %q has no outgoing edge and is not a declared exit", id))
		}
	}
	if cycle := findCycle(gb.order, out); cycle != "" {
		return nil, errors.NewValidationError(fmt.Sprintf("graph contains a cycle through node %q", cycle))
	}
	return &Graph{
		nodes: gb.nodes,
		order: gb.order,
		edges: gb.edges,
		out:   out,
		entry: gb.entry,
		exits: gb.exits,
	}, nil
}

// findCycle runs a colouring DFS over the static edges and returns a node on
// a cycle, or the empty string.
func findCycle(order []string, out map[string][]Edge) string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	colour := make(map[string]int, len(order))
	var visit func(id string) string
	visit = func(id string) string {
		colour[id] = grey
		for _, e := range out[id] {
			switch colour[e.To] {
			case grey:
				return e.To
			case white:
				if hit := visit(e.To); hit != "" {
					return hit
				}
			}
		}
		colour[id] = black
		return ""
	}
	for _, id := range order {
		if colour[id] == white {
			if hit := visit(id); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// RunGraph executes a validated graph workflow from its entry node. The
// returned error reports invariant violations only.
func (en *Engine) RunGraph(ctx context.Context, g *Graph, cfg *Config) (*Result, error) {
	if g == nil {
		return nil, errors.NewValidationError("graph is nil")
	}
	cfg = normalizeConfig(cfg)

	phases := collectGraphPhases(g)
	runner := newPhaseRunner(en, phases, cfg, "", newIterationBudget(cfg.MaxIterations))

	runCtx, cancel := workflowContext(ctx, cfg)
	defer cancel()

	gr := &graphRunner{en: en, g: g, cfg: cfg, pr: runner}
	gr.run(runCtx)
	runner.finish()
	return runner.result, nil
}

func collectGraphPhases(g *Graph) []*Phase {
	var phases []*Phase
	for _, id := range g.order {
		n := g.nodes[id]
		switch n.Kind {
		case NodePhase:
			phases = append(phases, n.Phase)
		case NodeBranch:
			phases = append(phases, n.Branch.Phases...)
		}
	}
	return phases
}

type graphRunner struct {
	en  *Engine
	g   *Graph
	cfg *Config
	pr  *phaseRunner
}

func (gr *graphRunner) run(ctx context.Context) {
	current := gr.g.entry
	for current != "" {
		if ctx.Err() != nil {
			gr.pr.terminate("Workflow context cancelled")
			return
		}
		node := gr.g.nodes[current]
		var (
			success bool
			route   string
			stop    bool
			next    string
		)
		switch node.Kind {
		case NodePhase:
			success, route, stop = gr.runPhaseNode(ctx, node)
			if stop {
				return
			}
			next = gr.chooseEdge(node.ID, success, route)

		case NodeConditional:
			target, err := gr.choose(ctx, node)
			if err != nil {
				gr.pr.terminate(fmt.Sprintf("Conditional node %q failed: %v", node.ID, err))
				return
			}
			if _, ok := gr.g.nodes[target]; !ok {
				gr.pr.terminate(fmt.Sprintf("Conditional target node %q not found", target))
				return
			}
			next = target

		case NodeParallel:
			success, stop = gr.runParallelNode(ctx, node)
			if stop {
				return
			}
			next = gr.chooseEdge(node.ID, success, "")

		case NodeMerge:
			next = gr.chooseEdge(node.ID, true, "")

		case NodeBranch:
			success, stop = gr.runBranchNode(ctx, node)
			if stop {
				return
			}
			next = gr.chooseEdge(node.ID, success, "")
		}
		current = next
	}
}

func (gr *graphRunner) runPhaseNode(ctx context.Context, node *Node) (success bool, route string, stop bool) {
	if !gr.pr.budget.consume(1) {
		gr.pr.terminate("Exceeded maximum workflow iterations")
		return false, "", true
	}
	idx := gr.pr.index[node.Phase.ID]
	batch, record := gr.pr.executePhase(ctx, node.Phase, idx)
	gr.pr.mu.Lock()
	gr.pr.result.History = append(gr.pr.result.History, record)
	gr.pr.result.PhaseResults[node.Phase.ID] = batch
	gr.pr.result.TotalPhaseExecutions++
	gr.pr.mu.Unlock()

	decision := gr.pr.decide(ctx, node.Phase, map[string]*gateway.BatchResult{node.Phase.ID: batch}, idx, idx)
	gr.pr.stampDecision(node.Phase.ID, decision.Action)
	if decision.Action == ActionTerminate {
		reason := ""
		if decision.Metadata != nil {
			if s, ok := decision.Metadata["reason"].(string); ok {
				reason = s
			}
		}
		gr.pr.terminateKeepSuccess(reason)
		return batch.Success, "", true
	}
	if decision.Metadata != nil {
		if s, ok := decision.Metadata["route"].(string); ok {
			route = s
		}
	}
	return batch.Success, route, false
}

func (gr *graphRunner) runParallelNode(ctx context.Context, node *Node) (success bool, stop bool) {
	if !gr.pr.budget.consume(len(node.Children)) {
		gr.pr.terminate("Exceeded maximum workflow iterations")
		return false, true
	}
	type outcome struct {
		batch  *gateway.BatchResult
		record ExecutionRecord
	}
	outcomes := make([]outcome, len(node.Children))
	var wg sync.WaitGroup
	for i, child := range node.Children {
		wg.Add(1)
		go func() {
			defer wg.Done()
			phase := gr.g.nodes[child].Phase
			batch, record := gr.pr.executePhase(ctx, phase, gr.pr.index[phase.ID])
			outcomes[i] = outcome{batch: batch, record: record}
		}()
	}
	wg.Wait()

	success = true
	gr.pr.mu.Lock()
	for i, out := range outcomes {
		phase := gr.g.nodes[node.Children[i]].Phase
		gr.pr.result.History = append(gr.pr.result.History, out.record)
		gr.pr.result.PhaseResults[phase.ID] = out.batch
		gr.pr.result.TotalPhaseExecutions++
		success = success && out.batch.Success
	}
	gr.pr.mu.Unlock()
	return success, false
}

func (gr *graphRunner) runBranchNode(ctx context.Context, node *Node) (success bool, stop bool) {
	sub := newPhaseRunner(gr.en, node.Branch.Phases, gr.cfg, node.Branch.ID, gr.pr.budget)
	sub.run(ctx)
	sub.finish()
	gr.pr.mu.Lock()
	gr.pr.result.History = append(gr.pr.result.History, sub.result.History...)
	for phaseID, batch := range sub.result.PhaseResults {
		gr.pr.result.PhaseResults[node.Branch.ID+"/"+phaseID] = batch
	}
	gr.pr.result.TotalPhaseExecutions += sub.result.TotalPhaseExecutions
	gr.pr.mu.Unlock()
	if sub.result.TerminatedEarly && sub.result.TerminationReason == "Exceeded maximum workflow iterations" {
		gr.pr.terminate(sub.result.TerminationReason)
		return false, true
	}
	return sub.result.Success, false
}

func (gr *graphRunner) choose(ctx context.Context, node *Node) (string, error) {
	if node.Choose == nil {
		return "", fmt.Errorf("conditional node has no chooser")
	}
	in := &DecisionInput{
		History: gr.pr.historySnapshot(),
		Buffer:  gr.cfg.Buffer,
		Context: core.ExecutionContext{WorkflowID: gr.cfg.WorkflowID, NodeID: node.ID},
	}
	return errors.CallSafelyValue("conditional node", func() (string, error) {
		return node.Choose(ctx, in)
	})
}

// chooseEdge picks the first matching outgoing edge in declaration order.
// No match means the node is terminal.
func (gr *graphRunner) chooseEdge(from string, success bool, route string) string {
	for _, e := range gr.g.out[from] {
		switch e.Condition {
		case EdgeAlways:
			return e.To
		case EdgeSuccess:
			if success {
				return e.To
			}
		case EdgeFailure:
			if !success {
				return e.To
			}
		case EdgeCustom:
			if route != "" && e.Label == route {
				return e.To
			}
		}
	}
	return ""
}
