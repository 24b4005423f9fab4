package messaging

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidPattern = errors.New("messaging: invalid topic pattern")

// MatchTopic reports whether topic matches pattern. Words are separated by
// dots; "*" matches exactly one word and "#" matches zero or more.
func MatchTopic(pattern, topic string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(topic, "."))
}

func matchWords(pattern, topic []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(topic); i++ {
				if matchWords(rest, topic[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(topic) == 0 {
				return false
			}
		default:
			if len(topic) == 0 || topic[0] != pattern[0] {
				return false
			}
		}
		pattern, topic = pattern[1:], topic[1:]
	}
	return len(topic) == 0
}

// ValidatePattern rejects empty patterns, empty words and wildcards mixed
// into words
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	for _, word := range strings.Split(pattern, ".") {
		if word == "" {
			return fmt.Errorf("%w: %q has an empty word", ErrInvalidPattern, pattern)
		}
		if word != "*" && word != "#" && strings.ContainsAny(word, "*#") {
			return fmt.Errorf("%w: %q mixes a wildcard into a word", ErrInvalidPattern, pattern)
		}
	}
	return nil
}
