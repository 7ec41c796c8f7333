package dagexec

import (
	"fmt"
	"sort"
)

// layer builds the deterministic topological layering used for per-layer
// dispatch: layer index is 1 + max(layer of dependencies), 0 for roots.
// Steps sharing a parallelGroup are pinned to the same (latest) layer so
// they are always dispatched together.
func layer(steps []Step) ([][]Step, error) {
	byID := make(map[string]Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return nil, fmt.Errorf("%w: %s", ErrSelfDependency, s.ID)
			}
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownStep, s.ID, dep)
			}
		}
	}

	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		indegree[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	depth := make(map[string]int, len(steps))
	var queue []string
	for _, s := range steps {
		if indegree[s.ID] == 0 {
			queue = append(queue, s.ID)
			depth[s.ID] = 0
		}
	}
	sort.Strings(queue)

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range dependents[id] {
			if depth[dep] < depth[id]+1 {
				depth[dep] = depth[id] + 1
			}
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
				sort.Strings(queue)
			}
		}
	}

	if processed != len(steps) {
		var unprocessed []string
		for id, n := range indegree {
			if n > 0 {
				unprocessed = append(unprocessed, id)
			}
		}
		sort.Strings(unprocessed)
		return nil, fmt.Errorf("dagexec: Cycle detected: %v", unprocessed)
	}

	groupMaxDepth := make(map[string]int)
	for _, s := range steps {
		if s.ParallelGroup == "" {
			continue
		}
		if d := depth[s.ID]; d > groupMaxDepth[s.ParallelGroup] {
			groupMaxDepth[s.ParallelGroup] = d
		}
	}
	for _, s := range steps {
		if s.ParallelGroup != "" {
			depth[s.ID] = groupMaxDepth[s.ParallelGroup]
		}
	}

	maxDepth := 0
	for _, d := range depth {
		if d > maxDepth {
			maxDepth = d
		}
	}
	layers := make([][]Step, maxDepth+1)
	for _, s := range steps {
		d := depth[s.ID]
		layers[d] = append(layers[d], s)
	}
	return layers, nil
}
