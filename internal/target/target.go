// Package target resolves the set of configured dispatch targets whose
// match regex selects a given path, against a static, config-derived
// list rather than a live-updated single pair.
package target

import (
	"regexp"

	"github.com/1Optic/cortex-dispatcher/internal/config"
)

// Target is an immutable, config-derived dispatch destination.
type Target struct {
	Name  string
	Queue string

	match *regexp.Regexp
}

// FromSettings builds the Target list from validated configuration.
func FromSettings(settings []config.TargetSettings) []Target {
	targets := make([]Target, 0, len(settings))
	for _, t := range settings {
		targets = append(targets, Target{Name: t.Name, Queue: t.Queue, match: t.MatchRegex()})
	}
	return targets
}

// Matches reports whether path is selected by this target's predicate.
func (t Target) Matches(path string) bool {
	return t.match.MatchString(path)
}

// MatchAll returns every target whose predicate selects path, in
// configuration order.
func MatchAll(targets []Target, path string) []Target {
	matched := make([]Target, 0, len(targets))
	for _, t := range targets {
		if t.Matches(path) {
			matched = append(matched, t)
		}
	}
	return matched
}
