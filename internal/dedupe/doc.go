// Package dedupe remembers recently delivered event ids so an instance can
// skip broker records it already pushed locally.
package dedupe
