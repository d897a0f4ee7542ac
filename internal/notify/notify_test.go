package notify

import (
	"context"
	"errors"
	"testing"
	"time"
)

func disabledConfig() *Config {
	return &Config{CooldownPeriod: time.Minute}
}

func TestValidateConfigRequiresWebhookURLWhenEnabled(t *testing.T) {
	cfg := &Config{WebhookEnabled: true, CooldownPeriod: time.Minute}
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected error when webhook enabled without URL")
	}
}

func TestValidateConfigRejectsNonHTTPSWebhook(t *testing.T) {
	cfg := &Config{WebhookEnabled: true, WebhookURL: "http://example.com/hook", CooldownPeriod: time.Minute}
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected error for non-HTTPS webhook URL")
	}
}

func TestValidateConfigAcceptsValidWebhook(t *testing.T) {
	cfg := &Config{WebhookEnabled: true, WebhookURL: "https://hooks.example.com/abc", CooldownPeriod: time.Minute}
	if err := ValidateConfig(cfg); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestValidateConfigRejectsSMTPWithoutHost(t *testing.T) {
	cfg := &Config{EmailEnabled: true, SMTPFrom: "a@example.com", SMTPPort: 587, CooldownPeriod: time.Minute}
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected error when SMTP host is missing")
	}
}

func TestValidateConfigRejectsInvalidSMTPRecipient(t *testing.T) {
	cfg := &Config{
		EmailEnabled: true, SMTPHost: "smtp.example.com", SMTPPort: 587,
		SMTPFrom: "a@example.com", SMTPTo: []string{"not-an-email"},
		CooldownPeriod: time.Minute,
	}
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected error for invalid recipient address")
	}
}

func TestValidateConfigRejectsShortCooldown(t *testing.T) {
	cfg := &Config{CooldownPeriod: time.Second}
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected error for cooldown under 1 minute")
	}
}

func TestValidateWebhookURLBlocksLocalhost(t *testing.T) {
	if err := ValidateWebhookURL("https://localhost/hook"); err == nil {
		t.Error("expected localhost to be rejected")
	}
	if err := ValidateWebhookURL("https://127.0.0.1/hook"); err == nil {
		t.Error("expected loopback IP to be rejected")
	}
}

func TestValidateWebhookURLBlocksPrivateRanges(t *testing.T) {
	cases := []string{
		"https://10.0.0.5/hook",
		"https://192.168.1.1/hook",
		"https://172.16.0.1/hook",
		"https://service.internal/hook",
		"https://box.local/hook",
	}
	for _, u := range cases {
		if err := ValidateWebhookURL(u); err == nil {
			t.Errorf("expected %s to be rejected", u)
		}
	}
}

func TestValidateWebhookURLAllowsPublicHTTPS(t *testing.T) {
	if err := ValidateWebhookURL("https://hooks.slack.com/services/abc"); err != nil {
		t.Errorf("expected public HTTPS host to be accepted, got %v", err)
	}
}

func TestIsValidEmail(t *testing.T) {
	cases := []struct {
		email string
		want  bool
	}{
		{"alice@example.com", true},
		{"not-an-email", false},
		{"", false},
		{"a@b.co", true},
	}
	for _, c := range cases {
		if got := isValidEmail(c.email); got != c.want {
			t.Errorf("isValidEmail(%q) = %v, want %v", c.email, got, c.want)
		}
	}
}

func TestSanitizeForEmailStripsHeaderInjection(t *testing.T) {
	in := "line one\r\nBcc: attacker@evil.com\nline two"
	got := sanitizeForEmail(in)
	if got != "line one Bcc: attacker@evil.com line two" {
		t.Errorf("sanitizeForEmail() = %q", got)
	}
}

func TestSanitizeForEmailCapsLength(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	got := sanitizeForEmail(string(long))
	if len(got) != 200 {
		t.Errorf("expected length capped to 200, got %d", len(got))
	}
}

func TestSendFailureReturnsTrueThenRespectsCooldown(t *testing.T) {
	n := New(disabledConfig())
	ctx := context.Background()

	sent := n.SendFailure(ctx, "home|Work|office|Shared|full", errors.New("boom"))
	if !sent {
		t.Fatal("expected first failure alert to be sent")
	}

	sentAgain := n.SendFailure(ctx, "home|Work|office|Shared|full", errors.New("boom again"))
	if sentAgain {
		t.Error("expected second alert within cooldown to be suppressed")
	}
}

func TestSendRecoveryOnlyFiresAfterFailure(t *testing.T) {
	n := New(disabledConfig())
	ctx := context.Background()

	if n.SendRecovery(ctx, "home|Work|office|Shared|full") {
		t.Error("expected no recovery alert for a mapping that was never failing")
	}

	n.SendFailure(ctx, "home|Work|office|Shared|full", errors.New("boom"))
	if !n.SendRecovery(ctx, "home|Work|office|Shared|full") {
		t.Error("expected recovery alert after a prior failure")
	}
}

func TestFailingMappingsTracksState(t *testing.T) {
	n := New(disabledConfig())
	ctx := context.Background()

	n.SendFailure(ctx, "m1", errors.New("x"))
	n.SendFailure(ctx, "m2", errors.New("y"))

	failing := n.FailingMappings()
	if len(failing) != 2 {
		t.Fatalf("expected 2 failing mappings, got %d", len(failing))
	}

	n.ClearFailingState("m1")
	failing = n.FailingMappings()
	if len(failing) != 1 || failing[0] != "m2" {
		t.Errorf("expected only m2 remaining, got %v", failing)
	}
}

func TestIsEnabled(t *testing.T) {
	n := New(disabledConfig())
	if n.IsEnabled() {
		t.Error("expected disabled config to report not enabled")
	}

	n2 := New(&Config{WebhookEnabled: true, CooldownPeriod: time.Minute})
	if !n2.IsEnabled() {
		t.Error("expected webhook-enabled config to report enabled")
	}
}
