// Package rewrite implements the three message rewriting engines applied
// between request parsing and upstream emission: ordered regex substitution,
// template variables, and preset expansion.
package rewrite

import (
	"regexp"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/pysugar/anygate/internal/convert"
)

// RegexRule is one ordered substitution. Replacement supports $1..$9
// backreferences.
type RegexRule struct {
	Name        string
	Pattern     string
	Replacement string
	SortOrder   int
	Active      bool
}

// ApplyRegex runs the enabled rules over text in sort order. A rule whose
// pattern does not compile is skipped; one bad rule never poisons the
// request.
func ApplyRegex(text string, rules []RegexRule) string {
	for _, rule := range sortedRules(rules) {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			log.Warnf("regex rule %q skipped: %v", rule.Name, err)
			continue
		}
		text = re.ReplaceAllString(text, rule.Replacement)
	}
	return text
}

// ApplyRegexToMessages applies the ruleset to each message's textual content,
// returning a new message slice.
func ApplyRegexToMessages(messages []convert.Message, rules []RegexRule) []convert.Message {
	rules = sortedRules(rules)
	if len(rules) == 0 {
		return messages
	}
	out := make([]convert.Message, len(messages))
	for i, msg := range messages {
		out[i] = msg
		out[i].Content = msg.Content.MapText(func(text string) string {
			return ApplyRegex(text, rules)
		})
	}
	return out
}

func sortedRules(rules []RegexRule) []RegexRule {
	enabled := make([]RegexRule, 0, len(rules))
	for _, r := range rules {
		if r.Active {
			enabled = append(enabled, r)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].SortOrder < enabled[j].SortOrder
	})
	return enabled
}
