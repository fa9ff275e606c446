// Package config loads the node configuration from a YAML file.
//
// Durations accept ms, s, m and h suffixes; a bare number is milliseconds.
// Sizes accept b, k/kb, m/mb and g/gb suffixes. Every malformed or out of
// range value is reported as ErrConfigInvalid.
package config
