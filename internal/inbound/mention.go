package inbound

import "strings"

// MentionContext carries the signals needed to decide whether a group
// message should be processed (§4.9).
type MentionContext struct {
	ExplicitMention  bool // @bot-username present in the text
	IsReplyToBot     bool // message is a reply to one of the bot's own messages
	TriggerPrefix    string // on-char command prefix, e.g. "!", "/" — empty disables
	Text             string
	IsControlCommand bool
	RequireMention   bool // channel config: group messages require a mention
	AllowCommandBypass bool // authorized control commands skip the mention gate
}

// ImplicitMention reports whether ctx counts as an implicit mention: either
// a reply to the bot's own message, or the text starting with the
// configured trigger prefix.
func ImplicitMention(ctx MentionContext) bool {
	if ctx.IsReplyToBot {
		return true
	}
	if ctx.TriggerPrefix != "" && strings.HasPrefix(ctx.Text, ctx.TriggerPrefix) {
		return true
	}
	return false
}

// ShouldProcess decides whether a group message should be processed: an
// explicit or implicit mention, or an authorized control command when the
// channel allows commands to bypass the mention requirement.
func ShouldProcess(ctx MentionContext) bool {
	if !ctx.RequireMention {
		return true
	}
	if ctx.ExplicitMention || ImplicitMention(ctx) {
		return true
	}
	if ctx.IsControlCommand && ctx.AllowCommandBypass {
		return true
	}
	return false
}
