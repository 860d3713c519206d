package crypto

// Zero overwrites b with zeros. Callers own the slice and must not reuse the
// contents afterwards.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
