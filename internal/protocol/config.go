// internal/protocol/config.go
package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Config is the key/value configuration handed to Connect.
// Unknown keys are ignored and missing keys fall back to adapter defaults.
type Config map[string]interface{}

// Recognised configuration keys
const (
	KeyHost                = "host"
	KeyPort                = "port"
	KeyTimeout             = "timeout"
	KeyAutoReconnect       = "autoReconnect"
	KeyReconnectInterval   = "reconnectIntervalSeconds"
	KeyKeepAlive           = "keepAlive"
	KeyTCPNoDelay          = "tcpNoDelay"
	KeyMaxRetry            = "maxRetry"
	KeyRetryInterval       = "retryIntervalSeconds"
	KeyQueueCapacity       = "queueCapacity"
	KeyHealthCheckInterval = "healthCheckIntervalSeconds"
	KeySendTimeout         = "sendTimeout"
	KeyCompression         = "compression"
	KeyCodec               = "codec"
	KeyDelimiter           = "delimiter"
	KeyFormat              = "format"

	KeyBacklog           = "backlog"
	KeyMaxConnections    = "maxConnections"
	KeyThreadPoolSize    = "threadPoolSize"
	KeyReceiveBufferSize = "receiveBufferSize"
	KeyHeartbeatInterval = "heartbeatIntervalSeconds"
	KeyConnectionTimeout = "connectionTimeoutSeconds"
	KeyIPv6              = "ipv6"

	KeyBaudrate = "baudrate"
	KeyBytesize = "bytesize"
	KeyStopbits = "stopbits"
	KeyParity   = "parity"

	KeyURL              = "url"
	KeyHeader           = "header"
	KeyHeartbeatEnabled = "heartbeatEnabled"

	KeyBaseURL    = "baseUrl"
	KeyVerifySSL  = "verifySsl"
	KeyRetryCount = "retryCount"
	KeyProxies    = "proxies"
	KeyHeaders    = "headers"

	KeyUnitID = "unitId"
)

// keyAliases maps a canonical key to older spellings still accepted
var keyAliases = map[string][]string{
	KeyReconnectInterval:   {"reconnectInterval"},
	KeyRetryInterval:       {"retryInterval"},
	KeyHealthCheckInterval: {"healthCheckInterval"},
	KeyHeartbeatInterval:   {"heartbeatInterval"},
	KeyHeartbeatEnabled:    {"heartbeat"},
	KeyConnectionTimeout:   {"connectionTimeout"},
	KeyQueueCapacity:       {"queueSize"},
	KeyHeader:              {KeyHeaders},
}

// normalizeKey folds camelCase, snake_case and viper's lower-cased keys together
func normalizeKey(key string) string {
	return strings.ToLower(strings.ReplaceAll(key, "_", ""))
}

// Lookup finds a value by exact key, then by normalized key, then by alias
func (c Config) Lookup(key string) (interface{}, bool) {
	if c == nil {
		return nil, false
	}

	candidates := append([]string{key}, keyAliases[key]...)
	for _, candidate := range candidates {
		if v, ok := c[candidate]; ok {
			return v, true
		}
	}

	for _, candidate := range candidates {
		want := normalizeKey(candidate)
		for k, v := range c {
			if normalizeKey(k) == want {
				return v, true
			}
		}
	}

	return nil, false
}

// Has reports whether key is present
func (c Config) Has(key string) bool {
	_, ok := c.Lookup(key)
	return ok
}

// Clone returns a shallow copy
func (c Config) Clone() Config {
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge returns a new Config holding defaults overlaid by c
func (c Config) Merge(defaults Config) Config {
	out := make(Config, len(c)+len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range c {
		// drop a default spelled differently from the override
		for dk := range defaults {
			if dk != k && normalizeKey(dk) == normalizeKey(k) {
				delete(out, dk)
			}
		}
		out[k] = v
	}
	return out
}

// String returns the string value of key or def
func (c Config) String(key, def string) string {
	r := configReader{cfg: c}
	return r.string(key, def)
}

// Int returns the integer value of key or def
func (c Config) Int(key string, def int) int {
	r := configReader{cfg: c}
	return r.int(key, def)
}

// Bool returns the boolean value of key or def
func (c Config) Bool(key string, def bool) bool {
	r := configReader{cfg: c}
	return r.bool(key, def)
}

// Float returns the float value of key or def
func (c Config) Float(key string, def float64) float64 {
	r := configReader{cfg: c}
	return r.float(key, def)
}

// Seconds returns a duration given as (fractional) seconds or a Go duration string
func (c Config) Seconds(key string, def time.Duration) time.Duration {
	r := configReader{cfg: c}
	return r.seconds(key, def)
}

// StringMap returns a string map value or nil
func (c Config) StringMap(key string) map[string]string {
	r := configReader{cfg: c}
	return r.stringMap(key)
}

// configReader coerces values and remembers the first invalid one
type configReader struct {
	cfg Config
	err error
}

func (r *configReader) fail(key string, value interface{}, err error) {
	if r.err == nil {
		r.err = wrapError(KindConfiguration, "config", err, "invalid value %v for %q", value, key)
	}
}

func (r *configReader) failf(format string, args ...interface{}) {
	if r.err == nil {
		r.err = newError(KindConfiguration, "config", format, args...)
	}
}

func (r *configReader) value(key string) (interface{}, bool) {
	v, ok := r.cfg.Lookup(key)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func (r *configReader) string(key, def string) string {
	v, ok := r.value(key)
	if !ok {
		return def
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return s
}

func (r *configReader) int(key string, def int) int {
	v, ok := r.value(key)
	if !ok {
		return def
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return n
}

func (r *configReader) bool(key string, def bool) bool {
	v, ok := r.value(key)
	if !ok {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return b
}

func (r *configReader) float(key string, def float64) float64 {
	v, ok := r.value(key)
	if !ok {
		return def
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return f
}

func (r *configReader) seconds(key string, def time.Duration) time.Duration {
	v, ok := r.value(key)
	if !ok {
		return def
	}

	switch t := v.(type) {
	case time.Duration:
		return t
	case string:
		if d, err := time.ParseDuration(t); err == nil {
			return d
		}
	}

	f, err := cast.ToFloat64E(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	if f < 0 {
		r.failf("%q must not be negative", key)
		return def
	}
	return time.Duration(f * float64(time.Second))
}

func (r *configReader) stringMap(key string) map[string]string {
	v, ok := r.value(key)
	if !ok {
		return nil
	}
	m, err := cast.ToStringMapStringE(v)
	if err != nil {
		r.fail(key, v, err)
		return nil
	}
	return m
}

// port reads a TCP port and checks its range
func (r *configReader) port(key string, def int) int {
	p := r.int(key, def)
	if p < 0 || p > 65535 {
		r.failf("%s must be between 0 and 65535, got %d", key, p)
		return def
	}
	return p
}

// positive reads an integer that must be greater than zero
func (r *configReader) positive(key string, def int) int {
	n := r.int(key, def)
	if n <= 0 {
		r.failf("%s must be positive, got %d", key, n)
		return def
	}
	return n
}

func hostPort(host string, port int) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		return fmt.Sprintf("[%s]:%d", host, port)
	}
	return fmt.Sprintf("%s:%d", host, port)
}
