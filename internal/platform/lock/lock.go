// Package lock serializes mutations of a single claim or payment.
package lock

import (
	"context"
	"sort"

	"github.com/google/uuid"
)

// Locker acquires a set of keys and returns a function releasing them all.
// Keys are taken in the order given; callers that lock several keys must use
// a consistent order (see Keys).
type Locker interface {
	Lock(ctx context.Context, keys ...string) (unlock func(), err error)
}

func ClaimKey(id uuid.UUID) string   { return "claim:" + id.String() }
func PaymentKey(id uuid.UUID) string { return "payment:" + id.String() }

// Keys builds a lock order: the lead key (usually a payment) first, then the
// remaining keys sorted and de-duplicated.
func Keys(lead string, rest ...string) []string {
	sorted := append([]string(nil), rest...)
	sort.Strings(sorted)
	out := make([]string, 0, len(sorted)+1)
	if lead != "" {
		out = append(out, lead)
	}
	for i, k := range sorted {
		if k == lead || (i > 0 && k == sorted[i-1]) {
			continue
		}
		out = append(out, k)
	}
	return out
}
