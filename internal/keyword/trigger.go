package keyword

import (
	"regexp"
	"strings"
)

// triggerPattern matches "ok gpt" and "okay gpt" as whole words, with
// optional whitespace or a comma between the two words.
var triggerPattern = regexp.MustCompile(`(?i)\bok(?:ay)?[\s,]*gpt\b[.!?,]*`)

// MatchesTrigger reports whether text contains the trigger phrase
func MatchesTrigger(text string) bool {
	return triggerPattern.MatchString(text)
}

// StripTrigger removes every occurrence of the trigger phrase and
// collapses the whitespace left behind. Applying it twice gives the
// same text as applying it once.
func StripTrigger(text string) string {
	for triggerPattern.MatchString(text) {
		text = triggerPattern.ReplaceAllString(text, " ")
	}
	return strings.Join(strings.Fields(text), " ")
}
