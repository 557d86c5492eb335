package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func steps(defs ...[]string) []*Step {
	out := make([]*Step, len(defs))
	for i, d := range defs {
		out[i] = &Step{ID: d[0], Dependencies: d[1:]}
	}
	return out
}

func TestOrder_DeclarationTieBreak(t *testing.T) {
	p := &Plan{Steps: steps(
		[]string{"c"},
		[]string{"a", "c"},
		[]string{"b"},
		[]string{"d", "a", "b"},
	)}
	assert.Equal(t, []string{"c", "a", "b", "d"}, p.Order())
}

func TestOrder_DependencyDeclaredLater(t *testing.T) {
	p := &Plan{Steps: steps(
		[]string{"deploy", "build", "test"},
		[]string{"test", "build"},
		[]string{"build"},
	)}
	assert.Equal(t, []string{"build", "test", "deploy"}, p.Order())
}

func TestOrder_RespectsEveryEdge(t *testing.T) {
	p := &Plan{Steps: steps(
		[]string{"e", "d"},
		[]string{"d", "b", "c"},
		[]string{"c", "a"},
		[]string{"b", "a"},
		[]string{"a"},
	)}
	order := p.Order()
	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	require.Len(t, order, 5)
	for _, s := range p.Steps {
		for _, dep := range s.Dependencies {
			assert.Less(t, pos[dep], pos[s.ID], "%s must come before %s", dep, s.ID)
		}
	}
}

func TestTopoOrder_SelfCycle(t *testing.T) {
	_, err := topoOrder(steps([]string{"a", "a"}))
	var ce *DependencyCycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"a", "a"}, ce.Cycle)
}

func TestReadySteps(t *testing.T) {
	p := &Plan{Steps: steps(
		[]string{"a"},
		[]string{"b", "a"},
		[]string{"c"},
		[]string{"d", "b", "c"},
	)}
	ids := func(ss []*Step) []string {
		var out []string
		for _, s := range ss {
			out = append(out, s.ID)
		}
		return out
	}
	assert.Equal(t, []string{"a", "c"}, ids(p.ReadySteps(map[string]bool{})))
	assert.Equal(t, []string{"b", "c"}, ids(p.ReadySteps(map[string]bool{"a": true})))
	assert.Equal(t, []string{"d"}, ids(p.ReadySteps(map[string]bool{"a": true, "b": true, "c": true})))
}
