package rewrite

import (
	"encoding/json"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/pysugar/anygate/internal/convert"
)

// Preset item types.
const (
	ItemNormal    = "normal"
	ItemUserInput = "user_input"
	ItemHistory   = "history"
)

// PresetItem is one slot of a preset template.
type PresetItem struct {
	Role      string
	Type      string
	Content   string
	Enabled   bool
	SortOrder int
}

// ApplyPreset rebuilds the message list from the preset template. The
// original slice is never mutated. If the template yields no messages the
// original list is kept.
func ApplyPreset(messages []convert.Message, items []PresetItem) []convert.Message {
	enabled := make([]PresetItem, 0, len(items))
	for _, it := range items {
		if it.Enabled {
			enabled = append(enabled, it)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].SortOrder < enabled[j].SortOrder
	})
	if len(enabled) == 0 {
		return messages
	}

	lastUser := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			lastUser = i
			break
		}
	}

	var out []convert.Message
	for _, it := range enabled {
		switch it.Type {
		case ItemUserInput:
			if lastUser < 0 {
				log.Warn("preset user_input slot skipped: no user message in request")
				continue
			}
			out = append(out, messages[lastUser])
		case ItemHistory:
			if lastUser < 0 {
				continue
			}
			for _, msg := range messages[:lastUser] {
				out = append(out, flattenMessage(msg))
			}
		default:
			out = append(out, convert.Message{
				Role:    it.Role,
				Content: convert.TextContent(it.Content),
			})
		}
	}
	if len(out) == 0 {
		return messages
	}
	return out
}

// flattenMessage stringifies multi-part content so history slots always carry
// plain text.
func flattenMessage(msg convert.Message) convert.Message {
	if msg.Content.Parts == nil {
		return msg
	}
	data, err := json.Marshal(msg.Content.Parts)
	if err != nil {
		return msg
	}
	msg.Content = convert.TextContent(string(data))
	return msg
}
