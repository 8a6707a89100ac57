package urlsafe

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateURL_RejectsNonHTTPSchemes(t *testing.T) {
	// WHAT: file://, ftp://, gopher:// and friends are rejected.
	// WHY: The fetcher must never be coaxed into reading local files.
	cases := []string{
		"file:///etc/passwd",
		"ftp://example.com/file",
		"gopher://example.com",
		"javascript:alert(1)",
	}
	for _, raw := range cases {
		if err := ValidateURL(raw); !errors.Is(err, ErrUnsafeScheme) {
			t.Errorf("%s: expected ErrUnsafeScheme, got %v", raw, err)
		}
	}
}

func TestValidateURL_RejectsPrivateIPs(t *testing.T) {
	// WHAT: Literal private and loopback addresses are blocked.
	// WHY: SSRF — a monitoring target must not reach internal services.
	cases := []string{
		"http://127.0.0.1/admin",
		"http://10.0.0.5/",
		"http://192.168.1.1/router",
		"http://172.16.0.1/",
		"http://169.254.169.254/latest/meta-data/",
		"http://[::1]/",
	}
	for _, raw := range cases {
		if err := ValidateURL(raw); !errors.Is(err, ErrSSRF) {
			t.Errorf("%s: expected ErrSSRF, got %v", raw, err)
		}
	}
}

func TestValidateURL_AllowsPublicHosts(t *testing.T) {
	// WHAT: Public literal IPs pass validation.
	if err := ValidateURL("https://93.184.216.34/"); err != nil {
		t.Errorf("public IP rejected: %v", err)
	}
}

func TestValidateURL_NoHost(t *testing.T) {
	// WHAT: A scheme without a host is invalid.
	if err := ValidateURL("http://"); err == nil {
		t.Error("expected error for hostless URL")
	}
}

func TestValidateTaskID(t *testing.T) {
	// WHAT: Task IDs allow [a-zA-Z0-9._-] and reject everything else.
	// WHY: IDs appear in file names and SQL keys.
	valid := []string{"hn-front", "price_watch.2", "A1"}
	for _, id := range valid {
		if err := ValidateTaskID(id); err != nil {
			t.Errorf("%q: unexpected error: %v", id, err)
		}
	}
	invalid := []string{"", "has space", "semi;colon", "slash/y", strings.Repeat("x", 257)}
	for _, id := range invalid {
		if err := ValidateTaskID(id); err == nil {
			t.Errorf("%q: expected error", id)
		}
	}
}

func TestLimitedReadAll_Cap(t *testing.T) {
	// WHAT: Reads beyond maxBytes fail with ErrResponseTooLarge.
	// WHY: A hostile endpoint must not exhaust memory.
	_, err := LimitedReadAll(strings.NewReader("abcdef"), 5)
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Errorf("expected ErrResponseTooLarge, got %v", err)
	}
	data, err := LimitedReadAll(strings.NewReader("abcde"), 5)
	if err != nil || string(data) != "abcde" {
		t.Errorf("exact-size read failed: %q %v", data, err)
	}
}
