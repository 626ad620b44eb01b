package jobgraph

// Validate runs the three deadlock checks against the connected component
// containing root, in the order the spec requires: connectedness, then
// acyclicity of the augmented graph, then the new-checkpoint constraint.
// root itself is treated as the graph's one preexisting root and is exempt
// from the new-checkpoint constraint (it may already have successors from
// a prior submission pass).
func Validate(root *Job) error {
	component := connectedComponent(root)

	if err := checkConnected(component); err != nil {
		return err
	}
	if err := checkAugmentedAcyclic(component); err != nil {
		return err
	}
	if err := checkNewCheckpointsAreLeafVertices(component, root); err != nil {
		return err
	}
	return nil
}

// connectedComponent collects every job weakly reachable from start by
// walking children, follow-ons, and predecessor edges in both directions.
func connectedComponent(start *Job) []*Job {
	visited := map[*Job]struct{}{start: {}}
	queue := []*Job{start}

	for len(queue) > 0 {
		j := queue[0]
		queue = queue[1:]

		neighbors := make([]*Job, 0, len(j.children)+len(j.followOns)+len(j.predecessors))
		neighbors = append(neighbors, j.children...)
		neighbors = append(neighbors, j.followOns...)
		for p := range j.predecessors {
			neighbors = append(neighbors, p)
		}

		for _, n := range neighbors {
			if _, ok := visited[n]; !ok {
				visited[n] = struct{}{}
				queue = append(queue, n)
			}
		}
	}

	out := make([]*Job, 0, len(visited))
	for j := range visited {
		out = append(out, j)
	}
	return out
}

// checkConnected requires the component have exactly one predecessor-free
// job. Zero roots indicates a cycle; more than one indicates a disconnected
// or multi-rooted submission.
func checkConnected(component []*Job) error {
	var roots []*Job
	for _, j := range component {
		if len(j.predecessors) == 0 {
			roots = append(roots, j)
		}
	}

	switch len(roots) {
	case 1:
		return nil
	case 0:
		return newGraphDeadlock("no predecessor-free job in a %d-job component: the submission contains a cycle", len(component))
	default:
		names := make([]string, len(roots))
		for i, r := range roots {
			names[i] = r.Name
		}
		return newGraphDeadlock("%d predecessor-free jobs in one submission (disconnected or multi-rooted): %v", len(roots), names)
	}
}

// checkAugmentedAcyclic builds the augmented graph — for every follow-on
// edge (A, B), an implied child edge to B from every job reachable from A
// via an initial child edge, followed transitively by any child or
// follow-on edge — and DFS-searches it for a cycle with a recursion stack.
// This is O(|V|^2) worst case, acceptable for workflow-sized graphs.
func checkAugmentedAcyclic(component []*Job) error {
	implied := make(map[*Job][]*Job)

	for _, a := range component {
		for _, b := range a.followOns {
			for _, d := range descendantsViaInitialChild(a) {
				implied[d] = append(implied[d], b)
			}
		}
	}

	const (
		white = iota
		gray
		black
	)
	color := make(map[*Job]int, len(component))
	for _, j := range component {
		color[j] = white
	}

	var cyclic []*Job
	var visit func(j *Job) bool
	visit = func(j *Job) bool {
		color[j] = gray
		neighbors := make([]*Job, 0, len(j.children)+len(j.followOns)+len(implied[j]))
		neighbors = append(neighbors, j.children...)
		neighbors = append(neighbors, j.followOns...)
		neighbors = append(neighbors, implied[j]...)

		for _, n := range neighbors {
			switch color[n] {
			case gray:
				cyclic = append(cyclic, n, j)
				return true
			case white:
				if visit(n) {
					cyclic = append(cyclic, j)
					return true
				}
			}
		}
		color[j] = black
		return false
	}

	for _, j := range component {
		if color[j] == white {
			if visit(j) {
				names := make([]string, len(cyclic))
				for i, c := range cyclic {
					names[i] = c.Name
				}
				return newGraphDeadlock("augmented graph has a cycle through: %v", names)
			}
		}
	}
	return nil
}

// descendantsViaInitialChild returns every job reachable from a by a path
// whose first hop is a child edge, and whose remaining hops are any
// combination of child and follow-on edges.
func descendantsViaInitialChild(a *Job) []*Job {
	visited := make(map[*Job]struct{})
	var queue []*Job
	queue = append(queue, a.children...)
	for _, c := range a.children {
		visited[c] = struct{}{}
	}

	for len(queue) > 0 {
		j := queue[0]
		queue = queue[1:]

		next := make([]*Job, 0, len(j.children)+len(j.followOns))
		next = append(next, j.children...)
		next = append(next, j.followOns...)
		for _, n := range next {
			if _, ok := visited[n]; !ok {
				visited[n] = struct{}{}
				queue = append(queue, n)
			}
		}
	}

	out := make([]*Job, 0, len(visited))
	for j := range visited {
		out = append(out, j)
	}
	return out
}

// checkNewCheckpointsAreLeafVertices preserves the source's conjunction
// check as-is (see the open design question in SPEC_FULL.md/DESIGN.md): a
// new checkpoint job is only rejected when it has non-empty children AND
// non-empty follow-ons AND non-empty services simultaneously, which admits
// a checkpoint with e.g. children but no follow-ons or services as
// "valid". This may be a bug in the source rather than intentional
// checkpoint-at-fan-out support, but the spec requires preserving it
// rather than guessing at a fix.
func checkNewCheckpointsAreLeafVertices(component []*Job, preexistingRoot *Job) error {
	for _, j := range component {
		if j == preexistingRoot || !j.IsCheckpoint() {
			continue
		}
		if len(j.children) != 0 && len(j.followOns) != 0 && len(j.services) != 0 {
			return newGraphDeadlock("checkpoint job %q added with children, follow-ons, and services all non-empty", j.Name)
		}
	}
	return nil
}

// TopologicalOrder emits the connected component containing root so that
// every job appears after all of its direct predecessors (children and
// follow-on edges only; the augmented implied edges are a validation
// device, not a scheduling one).
func TopologicalOrder(root *Job) []*Job {
	component := connectedComponent(root)

	visited := make(map[*Job]struct{}, len(component))
	var order []*Job

	var visit func(j *Job)
	visit = func(j *Job) {
		if _, ok := visited[j]; ok {
			return
		}
		visited[j] = struct{}{}
		for _, c := range j.children {
			visit(c)
		}
		for _, f := range j.followOns {
			visit(f)
		}
		order = append(order, j)
	}

	for _, j := range component {
		visit(j)
	}

	// visit appends a job after all its successors have been visited
	// (reverse-postorder would put predecessors first); reverse to get
	// predecessors before successors.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}
