package resolve

import (
	"cmp"
	"container/heap"
	"maps"
	"slices"

	"github.com/felixgeelhaar/pluginhost/internal/domain/manifest"
	"github.com/felixgeelhaar/pluginhost/internal/logging"
)

// Plan is a topologically ordered list of loadable plugins plus the reasons
// every other discovered plugin was excluded.
type Plan struct {
	// Order lists plugin ids with dependencies before dependents. Ties are
	// broken by ascending id.
	Order []string
	// Excluded maps plugin id to the fatal error that removed it.
	Excluded map[string]error
	// Reports are the constraint reports the plan was built from, with
	// wants on excluded plugins added as unmet. The input is not modified.
	Reports Reports

	manifests map[string]*manifest.Manifest
	planned   map[string]struct{}
	needs     map[string][]string
	dependent map[string][]string
}

// Manifest returns the manifest of a planned or excluded plugin.
func (p *Plan) Manifest(id string) (*manifest.Manifest, bool) {
	m, ok := p.manifests[id]
	return m, ok
}

// Contains reports whether id is part of the load order.
func (p *Plan) Contains(id string) bool {
	_, ok := p.planned[id]
	return ok
}

// Needs returns the planned plugins that id needs, ascending.
func (p *Plan) Needs(id string) []string {
	return slices.Clone(p.needs[id])
}

// Dependents returns the planned plugins that directly need id, ascending.
func (p *Plan) Dependents(id string) []string {
	return slices.Clone(p.dependent[id])
}

// ExcludedIDs returns excluded plugin ids in ascending order.
func (p *Plan) ExcludedIDs() []string {
	return slices.Sorted(maps.Keys(p.Excluded))
}

// Degraded returns planned plugins that load with unmet wants.
func (p *Plan) Degraded() []string {
	var ids []string
	for _, id := range p.Order {
		if r, ok := p.Reports[id]; ok && r.Degraded() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Planner turns resolution reports into a load order.
type Planner struct {
	logger *logging.Logger
}

// NewPlanner creates a planner.
func NewPlanner(logger *logging.Logger) *Planner {
	return &Planner{logger: logger}
}

// Plan excludes unloadable plugins, everything that transitively needs them,
// and every member of a needs cycle, then orders the rest.
func (p *Planner) Plan(set *manifest.Set, reports Reports) *Plan {
	plan := &Plan{
		Excluded:  make(map[string]error),
		Reports:   reports,
		manifests: make(map[string]*manifest.Manifest),
		planned:   make(map[string]struct{}),
		needs:     make(map[string][]string),
		dependent: make(map[string][]string),
	}

	candidates := make(map[string]*manifest.Manifest)
	for _, m := range set.Manifests() {
		plan.manifests[m.ID] = m
		report, ok := reports[m.ID]
		if !ok || report.Loadable() {
			candidates[m.ID] = m
			continue
		}
		errs := report.Errors()
		plan.Excluded[m.ID] = errs[0]
	}

	excludeDependents(set, candidates, plan.Excluded)

	graph := needsGraph(set, candidates)
	for _, scc := range stronglyConnected(graph) {
		if len(scc) == 1 && !slices.Contains(graph[scc[0]], scc[0]) {
			continue
		}
		for _, id := range scc {
			plan.Excluded[id] = &CyclicDependencyError{PluginID: id, Cycle: cyclePath(id, scc, graph)}
			delete(candidates, id)
		}
	}

	excludeDependents(set, candidates, plan.Excluded)

	graph = needsGraph(set, candidates)
	for id := range candidates {
		plan.planned[id] = struct{}{}
		plan.needs[id] = graph[id]
		for _, dep := range graph[id] {
			plan.dependent[dep] = append(plan.dependent[dep], id)
		}
	}
	for id := range plan.dependent {
		slices.Sort(plan.dependent[id])
	}
	plan.Order = topologicalOrder(graph, plan.dependent)
	plan.Reports = degradeWants(set, reports, plan.planned, plan.Excluded)

	if p.logger != nil {
		p.logger.Debug().
			Strs("order", plan.Order).
			Int("excluded", len(plan.Excluded)).
			Msg("load order planned")
	}
	return plan
}

// excludeDependents removes, until nothing changes, every candidate that
// needs a discovered plugin which is not a candidate.
func excludeDependents(set *manifest.Set, candidates map[string]*manifest.Manifest, excluded map[string]error) {
	for changed := true; changed; {
		changed = false
		for _, id := range slices.Sorted(maps.Keys(candidates)) {
			for _, dep := range candidates[id].NeedIDs() {
				if !set.Has(dep) {
					continue // provided by the host
				}
				if _, ok := candidates[dep]; ok {
					continue
				}
				excluded[id] = &UnsatisfiedHardDependencyError{
					PluginID:   id,
					Dependency: dep,
					Cause:      excluded[dep],
				}
				delete(candidates, id)
				changed = true
				break
			}
		}
	}
}

// degradeWants returns a copy of reports in which every want of a planned
// plugin on an excluded plugin is recorded as unmet. Wants never exclude.
func degradeWants(set *manifest.Set, reports Reports, planned map[string]struct{}, excluded map[string]error) Reports {
	out := make(Reports, len(reports))
	maps.Copy(out, reports)

	for _, id := range slices.Sorted(maps.Keys(planned)) {
		m, _ := set.Get(id)
		var extra []Unmet
		for _, want := range m.WantIDs() {
			cause, ok := excluded[want]
			if !ok {
				continue
			}
			if r, ok := out[id]; ok && r.HasUnmetWant(want) {
				continue
			}
			target, _ := set.Get(want)
			found := target.Version
			extra = append(extra, Unmet{
				ID:         want,
				Constraint: m.Constraints.Wants[want],
				Kind:       ReasonDependencyFailed,
				Found:      &found,
				Cause:      cause,
			})
		}
		if len(extra) == 0 {
			continue
		}

		report := &Report{PluginID: id}
		if r, ok := out[id]; ok {
			clone := *r
			report = &clone
		}
		report.UnmetWants = append(slices.Clone(report.UnmetWants), extra...)
		slices.SortFunc(report.UnmetWants, func(a, b Unmet) int { return cmp.Compare(a.ID, b.ID) })
		out[id] = report
	}
	return out
}

// needsGraph builds an adjacency map from each candidate to the candidates it
// needs. Edges to provided ids are omitted.
func needsGraph(set *manifest.Set, candidates map[string]*manifest.Manifest) map[string][]string {
	graph := make(map[string][]string, len(candidates))
	for id, m := range candidates {
		edges := make([]string, 0, len(m.Constraints.Needs))
		for _, dep := range m.NeedIDs() {
			if _, ok := candidates[dep]; ok && set.Has(dep) {
				edges = append(edges, dep)
			}
		}
		graph[id] = edges
	}
	return graph
}

// stronglyConnected returns the strongly connected components of graph using
// Tarjan's algorithm. Components and their members are sorted by id.
func stronglyConnected(graph map[string][]string) [][]string {
	var (
		index   int
		stack   []string
		onStack = make(map[string]bool)
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		result  [][]string
	)

	var connect func(v string)
	connect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, seen := indices[w]; !seen {
				connect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] != indices[v] {
			return
		}
		var scc []string
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		slices.Sort(scc)
		result = append(result, scc)
	}

	for _, v := range slices.Sorted(maps.Keys(graph)) {
		if _, seen := indices[v]; !seen {
			connect(v)
		}
	}

	slices.SortFunc(result, func(a, b []string) int {
		return cmp.Compare(a[0], b[0])
	})
	return result
}

// cyclePath returns a path start -> ... -> start through the component.
func cyclePath(start string, scc []string, graph map[string][]string) []string {
	inComponent := make(map[string]bool, len(scc))
	for _, id := range scc {
		inComponent[id] = true
	}

	visited := make(map[string]bool)
	var path []string
	var walk func(v string) bool
	walk = func(v string) bool {
		path = append(path, v)
		for _, w := range graph[v] {
			if w == start {
				path = append(path, w)
				return true
			}
			if inComponent[w] && !visited[w] {
				visited[w] = true
				if walk(w) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		return false
	}

	visited[start] = true
	if walk(start) {
		return path
	}
	return append(slices.Clone(scc), scc[0])
}

// topologicalOrder runs Kahn's algorithm, always emitting the smallest ready id.
func topologicalOrder(graph, dependents map[string][]string) []string {
	remaining := make(map[string]int, len(graph))
	ready := &idHeap{}
	for id, needs := range graph {
		remaining[id] = len(needs)
		if len(needs) == 0 {
			heap.Push(ready, id)
		}
	}

	order := make([]string, 0, len(graph))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(string)
		order = append(order, id)
		for _, dependent := range dependents[id] {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				heap.Push(ready, dependent)
			}
		}
	}
	return order
}

type idHeap []string

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *idHeap) Push(x any) {
	*h = append(*h, x.(string))
}

func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
