package httpclient

import (
	"net/url"
	"strings"
	"testing"
)

func TestSanitizeURLRedactsSensitiveParams(t *testing.T) {
	u, _ := url.Parse("https://api.example.com/v1/files?api_key=sk-secret&purpose=batch")
	got := sanitizeURL(u)

	if strings.Contains(got, "sk-secret") {
		t.Errorf("api_key leaked: %s", got)
	}
	if !strings.Contains(got, "purpose=batch") {
		t.Errorf("benign params must survive: %s", got)
	}
}

func TestSanitizeURLCaseInsensitive(t *testing.T) {
	u, _ := url.Parse("https://api.example.com/path?API_KEY=abc&Token=def")
	got := sanitizeURL(u)

	if strings.Contains(got, "abc") || strings.Contains(got, "def") {
		t.Errorf("case variants leaked: %s", got)
	}
}

func TestSanitizeURLNil(t *testing.T) {
	if got := sanitizeURL(nil); got != "" {
		t.Errorf("expected empty string for nil URL, got %q", got)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}

	bad := DefaultConfig()
	bad.Timeout = 0
	if err := bad.Validate(); err == nil {
		t.Error("zero timeout should fail validation")
	}

	bad = DefaultConfig()
	bad.UserAgent = ""
	if err := bad.Validate(); err == nil {
		t.Error("empty user agent should fail validation")
	}

	bad = DefaultConfig()
	bad.MaxBackoff = bad.RetryBackoff / 2
	if err := bad.Validate(); err == nil {
		t.Error("max backoff below base should fail validation")
	}
}
