package cycle

import "sort"

// Difference returns the sorted, de-duplicated members of all that are not in done.
func Difference(all, done []string) []string {
	skip := make(map[string]struct{}, len(done))
	for _, id := range done {
		skip[id] = struct{}{}
	}
	out := make([]string, 0, max(len(all)-len(done), 0))
	for _, id := range all {
		if _, ok := skip[id]; !ok {
			out = append(out, id)
			skip[id] = struct{}{}
		}
	}
	sort.Strings(out)
	return out
}
