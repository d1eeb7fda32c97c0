package normalize

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

var nonAlnumRe = regexp.MustCompile(`[^a-z0-9]`)

// registryKey builds the lookup key for a (device type, log type) pair. Both
// parts are lowercased and stripped to alphanumerics; empty parts become
// "unknown". "linux" + "auth.log" and "Linux" + "AUTH LOG" collide to the
// same key on purpose.
func registryKey(deviceType, logType string) string {
	sanitize := func(s string) string {
		if s == "" {
			s = "unknown"
		}
		return nonAlnumRe.ReplaceAllString(strings.ToLower(s), "")
	}
	return sanitize(deviceType) + "_" + sanitize(logType)
}

// factories is the static table of supported variants. New formats register
// here at compile time; there is no dynamic loading.
var factories = map[string]func() Normalizer{
	"linux_auth":     func() Normalizer { return NewLinuxAuth() },
	"linux_authlog":  func() Normalizer { return NewLinuxAuth() },
	"linux_secure":   func() Normalizer { return NewLinuxAuth() },
	"linux_syslog":   func() Normalizer { return NewLinuxSyslog() },
	"linux_messages": func() Normalizer { return NewLinuxSyslog() },
}

// Registry hands out normalizer instances by (device type, log type),
// instantiating lazily and caching per key. Safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	cache  map[string]Normalizer
	logger *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{cache: make(map[string]Normalizer), logger: logger}
}

// Get returns the normalizer for the pair, or nil when no variant supports
// it. An unknown pair is not an error: the caller skips the log source.
func (r *Registry) Get(deviceType, logType string) Normalizer {
	key := registryKey(deviceType, logType)

	r.mu.Lock()
	defer r.mu.Unlock()

	if n, ok := r.cache[key]; ok {
		return n
	}
	factory, ok := factories[key]
	if !ok {
		r.logger.Warn("no normalizer for log source", slog.String("key", key))
		return nil
	}
	n := factory()
	r.cache[key] = n
	r.logger.Info("normalizer loaded", slog.String("key", key))
	return n
}
