package engine

import (
	"fmt"
	"regexp"
	"strings"
)

const smsBodyLimit = 160

var tokenRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Render produces the channel-ready payload for one (template, channel,
// recipient) combination.
//
// Locale selection uses the recipient's first preferred locale that the
// template declares; overrides are shallow-merged onto the base block, so an
// override that only sets Subject keeps the base Body. Unresolved
// {{dot.path}} tokens are left verbatim so authoring gaps stay visible.
func (e *Engine) Render(tpl Template, chType ChannelType, data map[string]any, rc Recipient) (Payload, error) {
	base, ok := tpl.Content[chType]
	if !ok {
		return Payload{}, fmt.Errorf("template %s, channel %s: %w", tpl.ID, chType, ErrNoContent)
	}

	block := base
	for _, loc := range rc.Prefs.Locales {
		overrides, ok := tpl.Locales[loc]
		if !ok {
			continue
		}
		if ov, ok := overrides[chType]; ok {
			block = mergeBlock(base, ov)
		}
		break
	}

	p := Payload{
		Subject: substitute(block.Subject, data),
		Body:    substitute(block.Body, data),
		Rich:    substitute(block.RichBody, data),
	}

	switch chType {
	case ChannelSMS:
		p.Body = truncateRunes(p.Body, smsBodyLimit)
	case ChannelChatWebhook:
		var blocks []ChatBlock
		if p.Subject != "" {
			blocks = append(blocks, ChatBlock{Type: "header", Text: p.Subject})
		}
		blocks = append(blocks, ChatBlock{Type: "section", Text: p.Body})
		p.Chat = blocks
	case ChannelPush:
		p.Push = &PushPayload{
			Title: p.Subject,
			Body:  p.Body,
			Data:  data,
			Badge: 1,
			Sound: "default",
		}
	}
	return p, nil
}

// mergeBlock overlays non-empty override fields on the base block.
// Override wins per field, never per whole block.
func mergeBlock(base, ov Block) Block {
	out := base
	if ov.Subject != "" {
		out.Subject = ov.Subject
	}
	if ov.Body != "" {
		out.Body = ov.Body
	}
	if ov.RichBody != "" {
		out.RichBody = ov.RichBody
	}
	if len(ov.Variables) > 0 {
		out.Variables = ov.Variables
	}
	return out
}

// substitute replaces {{path.to.field}} tokens with values resolved against
// the event data. Tokens that don't resolve stay verbatim.
func substitute(s string, data map[string]any) string {
	if s == "" || !strings.Contains(s, "{{") {
		return s
	}
	return tokenRe.ReplaceAllStringFunc(s, func(tok string) string {
		m := tokenRe.FindStringSubmatch(tok)
		if len(m) != 2 {
			return tok
		}
		v, ok := lookupPath(data, m[1])
		if !ok {
			return tok
		}
		return toString(v)
	})
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
