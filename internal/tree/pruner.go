package tree

import (
	"fmt"

	"github.com/Benny93/arbor-go/internal/graph"
	"github.com/Benny93/arbor-go/internal/storage"
)

// MaxPruneDepth bounds the upward walk of PruneOrphans.
const MaxPruneDepth = 20

// PruneOrphans walks up the parent chain starting at startID and deletes
// every branch left without children, stopping at the first node that is
// the root, missing, a leaf, or still has a child. It returns the number of
// branches deleted. An empty startID is a no-op.
func PruneOrphans(tx storage.Tx, startID string) (int, error) {
	pruned := 0
	current := startID

	for hops := 0; hops < MaxPruneDepth; hops++ {
		if current == "" || current == graph.RootID {
			return pruned, nil
		}

		node, err := tx.GetNode(current)
		if err != nil {
			return pruned, fmt.Errorf("pruning %s: %w", current, err)
		}
		if node == nil || node.Level != graph.LevelBranch {
			return pruned, nil
		}

		children, err := tx.Children(current)
		if err != nil {
			return pruned, fmt.Errorf("pruning %s: %w", current, err)
		}
		if len(children) > 0 {
			return pruned, nil
		}

		if err := tx.DeleteNode(current); err != nil {
			return pruned, fmt.Errorf("pruning %s: %w", current, err)
		}
		pruned++
		current = node.ParentID
	}

	return pruned, nil
}
