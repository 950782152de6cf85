package validation

import (
	"fmt"

	"github.com/rendis/cadenza/pkg/schema"
)

// successors returns the states a state can hand over to.
func successors(state *schema.StateDefinition) []string {
	var next []string
	add := func(transition string, end bool) {
		if transition != "" && !end {
			next = append(next, transition)
		}
	}
	if state.Type == schema.StateTypeSwitch {
		for _, c := range state.DataConditions {
			add(c.Transition, c.End)
		}
		if d := state.DefaultCondition; d != nil {
			add(d.Transition, d.End)
		}
		return next
	}
	add(state.Transition, state.End)
	return next
}

// ends reports whether a state can end the instance.
func ends(state *schema.StateDefinition) bool {
	if state.Type != schema.StateTypeSwitch {
		return state.End
	}
	for _, c := range state.DataConditions {
		if c.End {
			return true
		}
	}
	return state.DefaultCondition != nil && state.DefaultCondition.End
}

// validateGraph analyses the state graph: states unreachable from the start
// state, and states from which no end can be reached. Cycles are legal since
// switch states may loop.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	byName := make(map[string]*schema.StateDefinition, len(def.States))
	for i := range def.States {
		byName[def.States[i].Name] = &def.States[i]
	}
	start := def.StartStateName()
	if _, ok := byName[start]; !ok {
		return result // reported by the semantic stage
	}

	// edges[name] = successors, reverse[name] = predecessors.
	edges := make(map[string][]string, len(def.States))
	reverse := make(map[string][]string, len(def.States))
	for _, s := range def.States {
		for _, next := range successors(byName[s.Name]) {
			if _, ok := byName[next]; !ok {
				continue // invalid refs already caught by semantic
			}
			edges[s.Name] = append(edges[s.Name], next)
			reverse[next] = append(reverse[next], s.Name)
		}
	}

	// Reachability: BFS from the start state.
	reachable := bfs([]string{start}, edges)
	for i, s := range def.States {
		if !reachable[s.Name] {
			result.AddWarning(fmt.Sprintf("states[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("state %q is unreachable from start state %q", s.Name, start))
		}
	}

	// Termination: BFS from every ending state through reverse edges.
	var terminal []string
	for _, s := range def.States {
		if ends(byName[s.Name]) {
			terminal = append(terminal, s.Name)
		}
	}
	if len(terminal) == 0 {
		result.AddError("states", schema.ErrCodeValidation, "workflow has no end state")
		return result
	}
	canEnd := bfs(terminal, reverse)
	for i, s := range def.States {
		if reachable[s.Name] && !canEnd[s.Name] {
			result.AddError(fmt.Sprintf("states[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("state %q can never reach an end state", s.Name))
		}
	}

	return result
}

func bfs(roots []string, edges map[string][]string) map[string]bool {
	seen := make(map[string]bool, len(edges))
	queue := make([]string, 0, len(roots))
	for _, r := range roots {
		if !seen[r] {
			seen[r] = true
			queue = append(queue, r)
		}
	}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range edges[node] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}
