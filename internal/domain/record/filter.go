package record

// activeClause is the single place the soft-delete predicate is spelled for
// the SQL backends. alias may be empty.
func activeClause(alias string) string {
	if alias == "" {
		return "soft_delete = FALSE"
	}
	return alias + ".soft_delete = FALSE"
}

// activeOnly filters in-memory records the same way.
func activeOnly[T any](items []T, audit func(T) Audit) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		if audit(it).Active() {
			out = append(out, it)
		}
	}
	return out
}
