package engine

import (
	"fmt"
	"sort"
)

// BuildDAG returns an evaluation order in which every tensor follows its dependencies.
func BuildDAG(scope Scope, wantTensors []TensorID) ([]TensorID, error) {
	allTensors := scope.AllTensors()

	ids := make([]TensorID, 0, len(allTensors))
	for id := range allTensors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	evaluationOrder := make([]TensorID, 0, len(allTensors))
	done := make(map[TensorID]bool)

	for {
		progress := false
		for _, id := range ids {
			if done[id] {
				continue
			}

			ready := true
			for _, dep := range allTensors[id].Dependencies() {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				done[id] = true
				evaluationOrder = append(evaluationOrder, id)
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	for _, id := range wantTensors {
		if !done[id] {
			return nil, fmt.Errorf("tensor %d could not be computed (unreachable in computation graph)", id)
		}
	}

	// TODO: Only evaluate tensors wantTensors depends on.

	return evaluationOrder, nil
}
