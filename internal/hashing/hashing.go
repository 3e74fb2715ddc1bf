// Package hashing computes the canonical content hash used by the EOD
// pipeline's duplicate-detection step (spec.md §4.1 step 6).
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/quantlayer/position-loader/internal/model"
)

// SnapshotHash canonicalizes an upstream snapshot — sorted by productId,
// decimals rendered at a fixed scale, no timestamps — and returns the hex
// SHA-256 digest of that canonical form. Two snapshots with identical
// economic content hash identically regardless of field ordering upstream.
func SnapshotHash(snap model.AccountSnapshot) string {
	positions := make([]model.SnapshotPosition, len(snap.Positions))
	copy(positions, snap.Positions)
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].ProductID < positions[j].ProductID
	})

	var b strings.Builder
	fmt.Fprintf(&b, "account=%d\n", snap.AccountID)
	for _, p := range positions {
		fmt.Fprintf(&b, "product=%d|qty=%s|price=%s|cost=%s|mv=%s\n",
			p.ProductID,
			p.Quantity.StringFixed(8),
			p.Price.StringFixed(8),
			p.CostLocal.StringFixed(8),
			p.MVBase.StringFixed(8),
		)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
