package plan

import "sort"

// Order returns the step ids in a deterministic topological order: Kahn's
// algorithm, always taking the ready step declared first.
func (p *Plan) Order() []string {
	order, _ := topoOrder(p.Steps)
	return order
}

// ReadySteps returns, in declaration order, the steps not yet in done whose
// dependencies all are.
func (p *Plan) ReadySteps(done map[string]bool) []*Step {
	var ready []*Step
	for _, s := range p.Steps {
		if done[s.ID] {
			continue
		}
		if dependenciesMet(s, done) {
			ready = append(ready, s)
		}
	}
	return ready
}

func dependenciesMet(s *Step, done map[string]bool) bool {
	for _, dep := range s.Dependencies {
		if !done[dep] {
			return false
		}
	}
	return true
}

// topoOrder sorts steps topologically. Ties are broken by declaration index,
// then by id. Dependencies on unknown ids are ignored here; validation
// reports them separately. On a cycle the partial order is returned together
// with a DependencyCycleError.
func topoOrder(steps []*Step) ([]string, error) {
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		if _, dup := index[s.ID]; !dup {
			index[s.ID] = i
		}
	}

	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		if _, ok := indegree[s.ID]; !ok {
			indegree[s.ID] = 0
		}
		for _, dep := range uniqueDeps(s.Dependencies) {
			if _, known := index[dep]; !known {
				continue
			}
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	less := func(a, b string) bool {
		if index[a] != index[b] {
			return index[a] < index[b]
		}
		return a < b
	}

	var ready []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })

	order := make([]string, 0, len(indegree))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
	}

	if len(order) < len(indegree) {
		return order, &DependencyCycleError{Cycle: findCycle(steps, index)}
	}
	return order, nil
}

// findCycle walks dependency edges depth-first and returns the first cycle
// it meets, closed on its starting id.
func findCycle(steps []*Step, index map[string]int) []string {
	byID := make(map[string]*Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(steps))
	var stack []string
	var cycle []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range uniqueDeps(byID[id].Dependencies) {
			if _, known := index[dep]; !known {
				continue
			}
			switch state[dep] {
			case visiting:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						return true
					}
				}
			case unvisited:
				if dfs(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = visited
		return false
	}

	for _, s := range steps {
		if state[s.ID] == unvisited && dfs(s.ID) {
			return cycle
		}
	}
	return nil
}

func uniqueDeps(deps []string) []string {
	seen := make(map[string]bool, len(deps))
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}
