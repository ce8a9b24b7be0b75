package rewrite

import (
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pysugar/anygate/internal/convert"
)

var (
	commentRe = regexp.MustCompile(`\{\{#.*?\}\}`)
	rollRe    = regexp.MustCompile(`(?i)\{\{roll\s+(\d+)d(\d+)\}\}`)
	randomRe  = regexp.MustCompile(`\{\{random::(.*?)\}\}`)
	setvarRe  = regexp.MustCompile(`\{\{setvar::(.*?)::(.*?)\}\}`)
	getvarRe  = regexp.MustCompile(`\{\{getvar::(.*?)\}\}`)
)

// VariableEngine expands template directives. State (the scratch variable map
// and the PRNG) is per request; never share an engine across requests.
type VariableEngine struct {
	vars map[string]string
	rng  *rand.Rand
}

// NewVariableEngine builds a per-request engine with a time-based seed.
func NewVariableEngine() *VariableEngine {
	return NewSeededVariableEngine(time.Now().UnixNano())
}

// NewSeededVariableEngine fixes the PRNG seed, for deterministic expansion.
func NewSeededVariableEngine(seed int64) *VariableEngine {
	return &VariableEngine{
		vars: make(map[string]string),
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// Parse expands directives in fixed order, one pass each: comments, dice
// rolls, random choice, setvar, getvar. setvar before getvar lets a value set
// in an earlier message be read in a later one.
func (e *VariableEngine) Parse(text string) string {
	text = commentRe.ReplaceAllString(text, "")

	text = rollRe.ReplaceAllStringFunc(text, func(m string) string {
		groups := rollRe.FindStringSubmatch(m)
		count, err1 := strconv.Atoi(groups[1])
		sides, err2 := strconv.Atoi(groups[2])
		if err1 != nil || err2 != nil || sides < 1 {
			return m
		}
		total := 0
		for i := 0; i < count; i++ {
			total += e.rng.Intn(sides) + 1
		}
		return strconv.Itoa(total)
	})

	text = randomRe.ReplaceAllStringFunc(text, func(m string) string {
		options := strings.Split(randomRe.FindStringSubmatch(m)[1], "::")
		return options[e.rng.Intn(len(options))]
	})

	text = setvarRe.ReplaceAllStringFunc(text, func(m string) string {
		groups := setvarRe.FindStringSubmatch(m)
		e.vars[groups[1]] = groups[2]
		return ""
	})

	text = getvarRe.ReplaceAllStringFunc(text, func(m string) string {
		return e.vars[getvarRe.FindStringSubmatch(m)[1]]
	})

	return text
}

// ParseMessages expands directives across all messages in order, sharing the
// engine's variable scope.
func (e *VariableEngine) ParseMessages(messages []convert.Message) []convert.Message {
	out := make([]convert.Message, len(messages))
	for i, msg := range messages {
		out[i] = msg
		out[i].Content = msg.Content.MapText(e.Parse)
	}
	return out
}
