package fs

import "iter"

// Config is read-only access to model metadata with typed, defaulted
// getters.
type Config interface {
	Architecture() string
	String(string, ...string) string
	Int(string, ...int) int
	Float(string, ...float32) float32
	Bool(string, ...bool) bool

	Len() int
	Keys() iter.Seq[string]
	Value(key string) any
}
