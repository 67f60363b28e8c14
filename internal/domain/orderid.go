package domain

import (
	"strings"

	"github.com/google/uuid"
)

const clientOrderIDSep = "."

// NewClientOrderID builds a process-unique client order id tagged with the
// owning strategy, so fills can be attributed without extra bookkeeping.
// Strategy ids must not contain ".".
func NewClientOrderID(strategyID string) string {
	return strings.TrimSpace(strategyID) + clientOrderIDSep + uuid.NewString()
}

// OwnerOf extracts the strategy id from a client order id. Returns false for
// ids not produced by NewClientOrderID (e.g. orders placed outside tessera).
func OwnerOf(clientOrderID string) (string, bool) {
	owner, rest, ok := strings.Cut(clientOrderID, clientOrderIDSep)
	if !ok || owner == "" || rest == "" {
		return "", false
	}
	return owner, true
}
