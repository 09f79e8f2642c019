package quote

import (
	"fmt"
	"sort"
)

// Addon catalog is closed: fixed ids with immutable prices (fen).
var addonCatalog = map[string]int64{
	"evidencePack":     1500,
	"plagiarismReport": 990,
	"aigcReport":       1290,
	"dataCharts":       1990,
}

// KnownAddon reports catalog membership. HTTP handlers validate with this
// before touching the ledger, so MustPrice never panics on user input.
func KnownAddon(id string) bool {
	_, ok := addonCatalog[id]
	return ok
}

// MustPrice returns the catalog price for id. Unknown id is a programmer
// error, not a recoverable one.
func MustPrice(id string) int64 {
	price, ok := addonCatalog[id]
	if !ok {
		panic(fmt.Sprintf("quote: unknown addon id %q", id))
	}
	return price
}

// Toggle adds or removes id and returns the new selection, sorted and without
// duplicates. Toggling an absent addon off is a no-op.
func Toggle(selection []string, id string, on bool) []string {
	set := make(map[string]bool, len(selection)+1)
	for _, s := range selection {
		set[s] = true
	}
	if on {
		set[id] = true
	} else {
		delete(set, id)
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Total sums catalog prices for the selection.
func Total(selection []string) int64 {
	var sum int64
	for _, id := range selection {
		sum += MustPrice(id)
	}
	return sum
}

// SameSelection compares two selections ignoring order.
func SameSelection(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		if seen[s] == 0 {
			return false
		}
		seen[s]--
	}
	return true
}
