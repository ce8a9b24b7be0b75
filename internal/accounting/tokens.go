// Package accounting counts tokens and owns the per-request Log lifecycle.
package accounting

import (
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"

	"github.com/pysugar/anygate/internal/convert"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
		if codecErr != nil {
			log.Warnf("tokenizer init failed, falling back to length estimate: %v", codecErr)
		}
	})
	return codec, codecErr
}

// CountText returns the cl100k_base token count of text. Invalid UTF-8 is
// replaced before counting; if the tokenizer is unavailable a length/4
// estimate is used.
func CountText(text string) int {
	text = strings.ToValidUTF8(text, "�")
	c, err := getCodec()
	if err != nil {
		return len(text) / 4
	}
	n, err := c.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// CountMessages counts prompt tokens with the chat framing overhead: four
// tokens per message, two priming tokens for the reply, minus one when a
// name field is present.
func CountMessages(messages []convert.Message) int {
	total := 2
	for _, msg := range messages {
		total += 4
		total += CountText(msg.Role)
		total += CountText(msg.Content.PlainText())
		if msg.Name != "" {
			total += CountText(msg.Name) - 1
		}
	}
	return total
}
