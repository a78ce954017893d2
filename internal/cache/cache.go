// Package cache provides the keyed cache used for request results. The
// default in-process implementation is Memory.
package cache

// Cache is a string-keyed cache of values of type V.
type Cache[V any] interface {
	Get(key string) (V, bool)
	Set(key string, value V)
	Delete(key string)
	Len() int
	Clear()
}
