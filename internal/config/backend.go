package config

// ConfigBackend abstracts where persisted config lives. Values keep their
// JSON types: strings, numbers, and durations written as strings like "30s".
type ConfigBackend interface {
	Value(key string) (v any, ok bool)
	Set(key string, v any) error
}
