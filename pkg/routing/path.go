package routing

// FindPath returns the unique MST path from one city to another, both
// endpoints included. from == to yields a single-element path.
//
// The search is a breadth-first walk over MST adjacency; since the MST is a
// tree (or forest) the first path found is the only one.
func (tr *Tree) FindPath(from, to string) ([]string, error) { // A
	src, ok := tr.topo.Index(from)
	if !ok {
		return nil, &RouteError{Kind: UnknownCity, From: from, To: to, City: from}
	}
	dst, ok := tr.topo.Index(to)
	if !ok {
		return nil, &RouteError{Kind: UnknownCity, From: from, To: to, City: to}
	}
	if src == dst {
		return []string{from}, nil
	}

	parent := make([]int, tr.topo.Len())
	for i := range parent {
		parent[i] = -1
	}
	parent[src] = src

	queue := make([]int, 0, tr.topo.Len())
	queue = append(queue, src)
	found := false
	for len(queue) > 0 && !found {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range tr.adj[cur] {
			if parent[next] != -1 {
				continue
			}
			parent[next] = cur
			if next == dst {
				found = true
				break
			}
			queue = append(queue, next)
		}
	}
	if !found {
		return nil, &RouteError{Kind: Unreachable, From: from, To: to}
	}

	// walk parents back from dst, then reverse
	path := []string{}
	for cur := dst; ; cur = parent[cur] {
		path = append(path, tr.topo.Name(cur))
		if cur == src {
			break
		}
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}
