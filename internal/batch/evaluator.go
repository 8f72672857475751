package batch

// Plan is the next step for a job given the results recorded so far.
type Plan struct {
	// Ready lists leaves that may run now, in declaration order.
	Ready []NodeID
	// Skip lists unrecorded leaves on branches that will never be taken.
	Skip []NodeID

	Resolved  bool
	Outcome   NodeStatus
	LastError *ErrorInfo
}

type resolution struct {
	done   bool
	status NodeStatus
	err    *ErrorInfo
}

// Evaluate walks tree against results without side effects. Leaves without a
// terminal result are treated as not yet run.
func Evaluate(tree *Tree, results map[string]NodeResult) Plan {
	var plan Plan
	res := resolve(tree, tree.Root(), results, &plan)
	if res.done {
		plan.Resolved = true
		plan.Outcome = res.status
		plan.LastError = res.err
	}
	return plan
}

func resolve(tree *Tree, id NodeID, results map[string]NodeResult, plan *Plan) resolution {
	node := tree.Node(id)
	switch node.Kind {
	case KindLeaf:
		result, ok := results[node.Path]
		if !ok || !result.Status.Terminal() {
			plan.Ready = append(plan.Ready, id)
			return resolution{}
		}
		return resolution{done: true, status: result.Status, err: result.Error}

	case KindSequence:
		out := resolution{done: true, status: NodeStatusSucceeded}
		for _, item := range node.Items {
			res := resolve(tree, item, results, plan)
			if !res.done {
				out.done = false
				continue
			}
			if res.status == NodeStatusFailed && out.err == nil {
				out.status = NodeStatusFailed
				out.err = res.err
			}
		}
		if !out.done {
			return resolution{}
		}
		return out

	default:
		res := resolve(tree, node.Query, results, plan)
		if !res.done {
			return res
		}
		taken, other := node.OnSuccess, node.OnError
		if res.status == NodeStatusFailed {
			taken, other = node.OnError, node.OnSuccess
		}
		for _, leaf := range tree.Leaves(other) {
			if _, ok := results[tree.Node(leaf).Path]; !ok {
				plan.Skip = append(plan.Skip, leaf)
			}
		}
		if taken == NoNode {
			return res
		}
		return resolve(tree, taken, results, plan)
	}
}
