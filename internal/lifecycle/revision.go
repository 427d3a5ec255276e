package lifecycle

// NextRevision returns the revision label that follows rev: A, B, ..., Z, AA, AB, ...
func NextRevision(rev string) string {
	if rev == "" {
		return "A"
	}
	b := []byte(rev)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 'Z' {
			b[i]++
			return string(b)
		}
		b[i] = 'A'
	}
	return "A" + string(b)
}
