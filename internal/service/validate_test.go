package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"messenger/internal/apperr"
	"messenger/internal/config"
	"messenger/internal/ratelimit"
	"messenger/internal/ws"
)

func TestValidateAvatarURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"https", "https://cdn.example.com/a.png", false},
		{"http", "http://cdn.example.com/a.png", false},
		{"javascript scheme", "javascript:alert(1)", true},
		{"data scheme", "data:text/html,<script>alert(1)</script>", true},
		{"ftp scheme", "ftp://example.com/a.png", true},
		{"relative", "/avatars/a.png", true},
		{"empty", "", true},
		{"too long", "https://example.com/" + strings.Repeat("a", 512), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateAvatarURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateAvatarURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestUpdateSettings_RejectsJavascriptURLBeforeAnyWrite(t *testing.T) {
	// The service has no database: if validation did not short-circuit,
	// the call would panic instead of returning cleanly.
	svc := &ConversationService{}
	bad := "javascript:alert(1)"
	_, err := svc.UpdateSettings(context.Background(), uuid.New(), uuid.New(), nil, &bad)
	var e *apperr.Error
	if !errors.As(err, &e) {
		t.Fatalf("UpdateSettings() error = %v, want *apperr.Error", err)
	}
	if e.Kind != apperr.KindValidation {
		t.Errorf("error kind = %v, want validation", e.Kind)
	}
	if !strings.Contains(e.Message, "HTTP or HTTPS") {
		t.Errorf("error message = %q, want mention of HTTP or HTTPS", e.Message)
	}
}

func TestUpdateSettings_RequiresAtLeastOneField(t *testing.T) {
	svc := &ConversationService{}
	_, err := svc.UpdateSettings(context.Background(), uuid.New(), uuid.New(), nil, nil)
	var e *apperr.Error
	if !errors.As(err, &e) || e.Kind != apperr.KindValidation {
		t.Fatalf("UpdateSettings() with no fields = %v, want validation error", err)
	}
}

func TestDirectKey_Unordered(t *testing.T) {
	a := uuid.New()
	b := uuid.New()
	if directKey(a, b) != directKey(b, a) {
		t.Error("directKey() is order dependent")
	}
	if directKey(a, b) == directKey(a, uuid.New()) {
		t.Error("directKey() collides for different pairs")
	}
}

func TestExtractMentions(t *testing.T) {
	tests := []struct {
		name    string
		content string
		max     int
		want    []string
	}{
		{"none", "hello there", 50, nil},
		{"single", "hi @alice", 50, []string{"alice"}},
		{"multiple", "@alice meet @bob", 50, []string{"alice", "bob"}},
		{"case insensitive dedupe", "@Alice and @ALICE and @alice", 50, []string{"alice"}},
		{"capped", "@a1 @b2 @c3 @d4", 2, []string{"a1", "b2"}},
		{"mid word not matched", "mail me a@b", 50, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractMentions(tt.content, tt.max)
			if len(got) != len(tt.want) {
				t.Fatalf("extractMentions(%q) = %v, want %v", tt.content, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("extractMentions(%q)[%d] = %q, want %q", tt.content, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSend_RateLimitedBeforeAnythingElse(t *testing.T) {
	cfg := config.Config{MaxMentionsPerMessage: 50}
	limiter := ratelimit.New(ratelimit.Config{
		Window:     time.Minute,
		WindowCap:  30,
		BurstWin:   time.Second,
		BurstCap:   1,
		Penalty:    30 * time.Second,
		MaxEntries: 10,
		SweepEvery: time.Minute,
	}, ratelimit.NewMemoryStore())

	// No database wired: a rate-limited Send must reject before touching
	// storage or the payload.
	svc := NewMessageService(nil, ws.NewHub(), limiter, cfg)
	sender := testUser("alice")

	limiter.Check(sender.ID.String()) // consume the single burst slot

	_, err := svc.Send(context.Background(), sender, uuid.New(), "hello")
	var e *apperr.Error
	if !errors.As(err, &e) {
		t.Fatalf("Send() error = %v, want *apperr.Error", err)
	}
	if e.Kind != apperr.KindRateLimited {
		t.Errorf("error kind = %v, want rate limited", e.Kind)
	}
	if e.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", e.RetryAfter)
	}
}
