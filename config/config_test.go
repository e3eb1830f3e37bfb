package config

import "testing"

func TestParseBackends(t *testing.T) {
	backends := parseBackends("wss://sig1.example.org/|s1, wss://sig2.example.org|s2|insecure")
	if len(backends) != 2 {
		t.Fatalf("len = %d, want 2", len(backends))
	}
	if backends[0].URL != "wss://sig1.example.org" {
		t.Errorf("URL = %s, want trailing slash trimmed", backends[0].URL)
	}
	if backends[0].Secret != "s1" || backends[0].SkipVerify {
		t.Errorf("backends[0] = %+v", backends[0])
	}
	if !backends[1].SkipVerify {
		t.Error("insecure flag not parsed")
	}
}

func TestParseBackends_MalformedEntriesSkipped(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"empty", "", 0},
		{"missing secret", "wss://sig1.example.org", 0},
		{"empty url", "|secret", 0},
		{"good entry survives bad neighbors", "garbage,wss://sig1.example.org|s1,|x", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseBackends(tt.value); len(got) != tt.want {
				t.Errorf("parseBackends(%q) = %v, want %d entries", tt.value, got, tt.want)
			}
		})
	}
}
