// Package env reads typed configuration values from the process environment.
//
// A Reader collects every malformed value instead of stopping at the first,
// so a misconfigured deployment reports all of its problems at once.
package env

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

// New reads from the process environment.
func New() *Reader {
	return &Reader{lookup: os.LookupEnv}
}

// FromMap reads from values; used by tests.
func FromMap(values map[string]string) *Reader {
	return &Reader{lookup: func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}}
}

// Err returns every parse failure seen so far, joined.
func (r *Reader) Err() error {
	return errors.Join(r.errs...)
}

// Failf records a validation failure alongside parse failures.
func (r *Reader) Failf(format string, args ...any) {
	r.errs = append(r.errs, fmt.Errorf(format, args...))
}

func (r *Reader) raw(key string) (string, bool) {
	v, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (r *Reader) String(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

func parse[T any](r *Reader, key string, def T, fn func(string) (T, error)) T {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	out, err := fn(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid value %q", key, v))
		return def
	}
	return out
}

func (r *Reader) Duration(key string, def time.Duration) time.Duration {
	return parse(r, key, def, time.ParseDuration)
}

func (r *Reader) Bool(key string, def bool) bool {
	return parse(r, key, def, strconv.ParseBool)
}

func (r *Reader) Int(key string, def int) int {
	return parse(r, key, def, strconv.Atoi)
}

func (r *Reader) Float(key string, def float64) float64 {
	return parse(r, key, def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

// Choice returns the lower-cased value of key, which must be one of allowed.
func (r *Reader) Choice(key, def string, allowed ...string) string {
	v := strings.ToLower(r.String(key, def))
	for _, candidate := range allowed {
		if v == candidate {
			return v
		}
	}
	r.Failf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), v)
	return def
}
