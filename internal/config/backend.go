package config

// Backend is the persistent settings store for one platform. Values cross
// the boundary as strings; the key table owns parsing. Store receives the
// key's type so backends with typed storage can keep it.
type Backend interface {
	Lookup(key string) (raw string, ok bool, err error)
	Store(key string, typ keyType, raw string) error
	Remove(key string) error
}
