package taskgraph

import "fmt"

// topoLayers runs Kahn's algorithm over the graph, batching tasks whose
// dependencies are all satisfied into layers. Within a layer tasks are
// sorted by the scheduling tie-break so execution order is reproducible.
func topoLayers(g *Graph) ([][]string, error) {
	inDegree := make(map[string]int, len(g.Tasks))
	for i := range g.Tasks {
		t := &g.Tasks[i]
		seen := make(map[string]bool, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			inDegree[t.ID]++
		}
	}

	frontier := make([]string, 0, len(g.Tasks))
	for i := range g.Tasks {
		if inDegree[g.Tasks[i].ID] == 0 {
			frontier = append(frontier, g.Tasks[i].ID)
		}
	}

	var layers [][]string
	processed := 0
	for len(frontier) > 0 {
		g.SortReady(frontier)
		layer := make([]string, len(frontier))
		copy(layer, frontier)
		layers = append(layers, layer)
		processed += len(layer)

		var next []string
		for _, id := range layer {
			for _, dep := range g.dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}

	if processed != len(g.Tasks) {
		path := findCyclePath(g)
		msg := "dependency cycle detected"
		if len(path) > 0 {
			msg = fmt.Sprintf("dependency cycle detected: %s", DescribePath(path))
		}
		return nil, NewTypedError(ErrDecomposition, msg, map[string]any{"cycle": path})
	}
	return layers, nil
}

// findCyclePath locates one cycle with a colored DFS and returns the
// closed path, ending on the repeated node.
func findCyclePath(g *Graph) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on stack
		black = 2 // done
	)
	color := make(map[string]int, len(g.Tasks))
	parent := make(map[string]string)

	var cycleStart, cycleEnd string
	var dfs func(string) bool
	dfs = func(id string) bool {
		color[id] = gray
		t := g.byID[id]
		for _, dep := range t.DependsOn {
			switch color[dep] {
			case white:
				parent[dep] = id
				if dfs(dep) {
					return true
				}
			case gray:
				cycleStart, cycleEnd = dep, id
				return true
			}
		}
		color[id] = black
		return false
	}

	for i := range g.Tasks {
		id := g.Tasks[i].ID
		if color[id] == white && dfs(id) {
			break
		}
	}
	if cycleStart == "" {
		return nil
	}

	path := []string{cycleStart}
	for cur := cycleEnd; cur != cycleStart; cur = parent[cur] {
		path = append(path, cur)
	}
	path = append(path, cycleStart)
	// parent chain walks dependency edges backwards; reverse for display
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
