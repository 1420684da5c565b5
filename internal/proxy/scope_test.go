package proxy

import "testing"

func TestScopeCaptures(t *testing.T) {
	s := NewScope([]string{"*.example.com", "api.test"}, []string{"static.example.com"})
	cases := map[string]bool{
		"example.com":          true,
		"www.example.com:443":  true,
		"WWW.Example.COM.":     true,
		"deep.www.example.com": true,
		"static.example.com":   false,
		"api.test":             true,
		"api.test:8080":        true,
		"other.org":            false,
		"evil-example.com":     false,
	}
	for host, want := range cases {
		if got := s.Captures(host); got != want {
			t.Errorf("Captures(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestEmptyScopeCapturesAll(t *testing.T) {
	var nilScope *Scope
	if !nilScope.Captures("anything") {
		t.Fatal("nil scope should capture")
	}
	s := NewScope(nil, []string{"*.cdn.net"})
	if !s.Captures("example.com") || s.Captures("a.cdn.net") {
		t.Fatal("exclude-only scope mismatch")
	}
}
