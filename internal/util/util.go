package util

// MustString resolves a string-returning function that by construction
// should not fail (e.g. os.UserHomeDir) and panics if it does.
func MustString(fn func() (string, error)) string {
	s, err := fn()
	if err != nil {
		panic(err)
	}
	return s
}
