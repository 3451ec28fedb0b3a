package crdt

import (
	"fmt"
	"sort"

	"github.com/automerge/automerge-go"
)

// MergeUpdates folds any number of deltas or full states into one full state.
// The result does not depend on argument order.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	doc := automerge.New()
	for i, update := range updates {
		if len(update) == 0 {
			continue
		}
		if err := doc.LoadIncremental(update); err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrInvalidUpdate, i, err)
		}
	}
	return doc.Save(), nil
}

// EmptyState is the encoding of a document with no changes.
func EmptyState() []byte {
	return automerge.New().Save()
}

func sortedHashes(heads []automerge.ChangeHash) []string {
	out := make([]string, 0, len(heads))
	for _, h := range heads {
		out = append(out, h.String())
	}
	sort.Strings(out)
	return out
}

func sortUint64(ids []uint64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
