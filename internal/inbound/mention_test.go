package inbound

import "testing"

func TestShouldProcess(t *testing.T) {
	tests := []struct {
		name string
		ctx  MentionContext
		want bool
	}{
		{
			name: "mention not required, plain text",
			ctx:  MentionContext{RequireMention: false, Text: "hello"},
			want: true,
		},
		{
			name: "mention required, explicit mention present",
			ctx:  MentionContext{RequireMention: true, ExplicitMention: true},
			want: true,
		},
		{
			name: "mention required, reply to bot counts as implicit mention",
			ctx:  MentionContext{RequireMention: true, IsReplyToBot: true},
			want: true,
		},
		{
			name: "mention required, trigger prefix counts as implicit mention",
			ctx:  MentionContext{RequireMention: true, TriggerPrefix: "!", Text: "!do-thing"},
			want: true,
		},
		{
			name: "mention required, no mention, plain text dropped",
			ctx:  MentionContext{RequireMention: true, Text: "just chatting"},
			want: false,
		},
		{
			name: "mention required, authorized command bypasses",
			ctx:  MentionContext{RequireMention: true, IsControlCommand: true, AllowCommandBypass: true},
			want: true,
		},
		{
			name: "mention required, unauthorized command still gated",
			ctx:  MentionContext{RequireMention: true, IsControlCommand: true, AllowCommandBypass: false},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldProcess(tt.ctx); got != tt.want {
				t.Errorf("ShouldProcess(%+v) = %v, want %v", tt.ctx, got, tt.want)
			}
		})
	}
}

func TestImplicitMention(t *testing.T) {
	if !ImplicitMention(MentionContext{IsReplyToBot: true}) {
		t.Error("expected reply-to-bot to count as implicit mention")
	}
	if ImplicitMention(MentionContext{TriggerPrefix: "!", Text: "no prefix here"}) {
		t.Error("expected text without the trigger prefix to not count as implicit mention")
	}
	if !ImplicitMention(MentionContext{TriggerPrefix: "!", Text: "!go"}) {
		t.Error("expected text starting with the trigger prefix to count as implicit mention")
	}
}
