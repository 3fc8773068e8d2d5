package realtime

import (
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestCheckOrigin(t *testing.T) {
	allowed := []string{"https://app.leazr.io", "http://localhost:5173"}

	cases := []struct {
		name     string
		origin   string
		required bool
		allowed  []string
		wantErr  bool
	}{
		{name: "exact", origin: "https://app.leazr.io", allowed: allowed},
		{name: "host_match_other_port", origin: "http://localhost:3000", allowed: allowed},
		{name: "host_case_insensitive", origin: "https://APP.leazr.io", allowed: allowed},
		{name: "unknown_host", origin: "https://evil.test", allowed: allowed, wantErr: true},
		{name: "missing_optional", origin: "", allowed: allowed},
		{name: "missing_required", origin: "", required: true, allowed: allowed, wantErr: true},
		{name: "empty_allowlist", origin: "https://app.leazr.io", wantErr: true},
		{name: "wildcard", origin: "https://anything.test", allowed: []string{"*"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			err := checkOrigin(r, tc.required, tc.allowed)
			if (err != nil) != tc.wantErr {
				t.Fatalf("checkOrigin(%q) err=%v wantErr=%v", tc.origin, err, tc.wantErr)
			}
		})
	}
}

func TestOriginPatterns(t *testing.T) {
	got := originPatterns([]string{"https://b.leazr.io", "http://a.leazr.io:8080", "https://b.leazr.io:443", "*", ""})
	want := []string{"a.leazr.io", "b.leazr.io"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("originPatterns = %v, want %v", got, want)
	}
}
