package ids

// SetSuffixGenerator swaps the random source and returns a restore func.
func SetSuffixGenerator(fn func() (string, error)) func() {
	prev := suffixGenerator
	suffixGenerator = fn
	return func() { suffixGenerator = prev }
}
