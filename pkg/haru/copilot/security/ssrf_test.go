package security

import (
	"context"
	"net"
	"testing"
)

func TestCheckURLRejectsSchemes(t *testing.T) {
	g := NewGuard()
	ctx := context.Background()
	for _, u := range []string{
		"file:///etc/passwd",
		"ftp://example.com/",
		"gopher://example.com/",
		"javascript:alert(1)",
	} {
		if err := g.CheckURL(ctx, u); err == nil {
			t.Errorf("CheckURL(%q) should fail", u)
		}
	}
}

func TestCheckURLRejectsLoopbackAndPrivate(t *testing.T) {
	g := NewGuard()
	ctx := context.Background()
	for _, u := range []string{
		"http://127.0.0.1/",
		"http://127.0.0.1:8080/admin",
		"https://localhost/",
		"http://0.0.0.0/",
		"http://10.0.0.5/",
		"http://172.16.1.1/",
		"http://172.31.255.255/",
		"http://192.168.1.1/router",
		"http://169.254.169.254/latest/meta-data/",
		"http://metadata.google.internal/computeMetadata/v1/",
		"http://[::1]/",
		"http://[fe80::1]/",
		"http://[fc00::1]/",
		"http://[::]/",
		"http://printer.local/",
		"http://db.prod.internal/",
	} {
		if err := g.CheckURL(ctx, u); err == nil {
			t.Errorf("CheckURL(%q) should be blocked", u)
		}
	}
}

func TestCheckURLRejectsNonCanonicalIPv4(t *testing.T) {
	g := NewGuard()
	ctx := context.Background()
	// Octal, hex, and packed spellings of 127.0.0.1 must not sneak
	// through as hostnames.
	for _, u := range []string{
		"http://0177.0.0.1/",
		"http://0x7f.0.0.1/",
		"http://0x7f000001/",
		"http://2130706433/",
		"http://127.1/",
	} {
		if err := g.CheckURL(ctx, u); err == nil {
			t.Errorf("CheckURL(%q) should be blocked", u)
		}
	}
}

func TestCheckURLRejectsTransitionAddresses(t *testing.T) {
	g := NewGuard()
	ctx := context.Background()
	for _, u := range []string{
		"http://[::ffff:127.0.0.1]/",       // IPv4-mapped loopback
		"http://[::ffff:192.168.0.1]/",     // IPv4-mapped private
		"http://[64:ff9b::7f00:1]/",        // NAT64 loopback
		"http://[2002:7f00:0001::]/",       // 6to4 loopback
	} {
		if err := g.CheckURL(ctx, u); err == nil {
			t.Errorf("CheckURL(%q) should be blocked", u)
		}
	}
}

func TestCheckIPAllowsPublic(t *testing.T) {
	g := NewGuard()
	for _, s := range []string{"1.1.1.1", "8.8.8.8", "93.184.216.34", "2606:4700:4700::1111"} {
		if err := g.checkIP(net.ParseIP(s)); err != nil {
			t.Errorf("checkIP(%s) = %v, want allowed", s, err)
		}
	}
	for _, s := range []string{"127.0.0.1", "10.1.2.3", "169.254.0.1", "::1", "fe80::1"} {
		if err := g.checkIP(net.ParseIP(s)); err == nil {
			t.Errorf("checkIP(%s) should be blocked", s)
		}
	}
}

func TestLooksNumericIPv4(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"2130706433", true},
		{"0x7f000001", true},
		{"0177.0.0.1", true},
		{"127.1", true},
		{"example.com", false},
		{"1password.com", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := looksNumericIPv4(tt.in); got != tt.want {
			t.Errorf("looksNumericIPv4(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
