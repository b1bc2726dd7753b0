package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/torosent/pewpew/internal/config"
)

// edge is one data-flow step: an endpoint consumes `from` and provides
// `to` with the given send mode.
type edge struct {
	from, to string
	send     config.SendMode
}

// providerGraph models providers as nodes with edges through endpoints.
type providerGraph struct {
	nodes  []string
	edges  []edge
	seeded map[string]bool // providers with an independent supply
}

// checkCycles finds strongly connected components among providers. A cycle
// where every edge blocks and no member provider has an independent seed
// cannot make progress, so it is rejected; other cycles get a warning from
// the caller.
func (g *providerGraph) checkCycles() (warnings []string, err error) {
	components := tarjan(g.nodes, g.edges)
	var issues []string
	for _, comp := range components {
		if len(comp) == 1 && !g.hasSelfLoop(comp[0]) {
			continue
		}
		inComp := map[string]bool{}
		for _, n := range comp {
			inComp[n] = true
		}
		relieved := false
		for _, e := range g.edges {
			if inComp[e.from] && inComp[e.to] && e.send == config.SendIfNotFull {
				relieved = true
				break
			}
		}
		for _, n := range comp {
			if g.seeded[n] {
				relieved = true
			}
		}
		sorted := append([]string(nil), comp...)
		sort.Strings(sorted)
		desc := strings.Join(sorted, " -> ")
		if relieved {
			warnings = append(warnings, fmt.Sprintf("provider cycle %s; relies on if_not_full or seed to make progress", desc))
		} else {
			issues = append(issues, fmt.Sprintf("provider cycle %s cannot make progress: use send: if_not_full on one edge or seed a provider", desc))
		}
	}
	if len(issues) > 0 {
		return warnings, fmt.Errorf("%s", strings.Join(issues, "; "))
	}
	return warnings, nil
}

func (g *providerGraph) hasSelfLoop(node string) bool {
	for _, e := range g.edges {
		if e.from == node && e.to == node {
			return true
		}
	}
	return false
}

// tarjan returns the strongly connected components of the graph.
func tarjan(nodes []string, edges []edge) [][]string {
	adj := map[string][]string{}
	for _, e := range edges {
		adj[e.from] = append(adj[e.from], e.to)
	}

	index := map[string]int{}
	lowlink := map[string]int{}
	onStack := map[string]bool{}
	var stack []string
	var components [][]string
	counter := 0

	var strongConnect func(v string)
	strongConnect = func(v string) {
		index[v] = counter
		lowlink[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if _, seen := index[w]; !seen {
				strongConnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] && index[w] < lowlink[v] {
				lowlink[v] = index[w]
			}
		}

		if lowlink[v] == index[v] {
			var comp []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			components = append(components, comp)
		}
	}

	for _, v := range nodes {
		if _, seen := index[v]; !seen {
			strongConnect(v)
		}
	}
	return components
}
