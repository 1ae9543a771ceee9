package tree

import (
	"fmt"

	"github.com/Benny93/arbor-go/internal/storage"
)

// PathSeparator joins features in a materialized path.
const PathSeparator = "/"

// BuildFeaturePath returns the materialized path of a node with the given
// feature placed under parentID. Without a parent, or with a parent that
// cannot be found, the path is the feature alone; children of the root
// (whose own path is empty) get no leading separator.
//
// The path is computed from the parent's path as stored right now and is
// never refreshed later when an ancestor changes.
func BuildFeaturePath(r storage.Reader, parentID, feature string) (string, error) {
	if parentID == "" {
		return feature, nil
	}

	parent, err := r.GetNode(parentID)
	if err != nil {
		return "", fmt.Errorf("resolving parent %s: %w", parentID, err)
	}
	if parent == nil || parent.FeaturePath == "" {
		return feature, nil
	}
	return parent.FeaturePath + PathSeparator + feature, nil
}
