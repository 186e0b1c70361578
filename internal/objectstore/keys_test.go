package objectstore

import (
	"regexp"
	"strings"
	"testing"
)

func TestBuildKeyShape(t *testing.T) {
	key := BuildKey("proj-42", "Office Scan (v2).ply", "")

	if !strings.HasPrefix(key, "proj-42/") {
		t.Fatalf("key not scoped to parent: %q", key)
	}
	pattern := regexp.MustCompile(`^proj-42/\d+-[a-z0-9]{6}-office-scan-v2\.ply$`)
	if !pattern.MatchString(key) {
		t.Fatalf("key %q does not match expected shape", key)
	}
}

func TestBuildKeyExtensionOverride(t *testing.T) {
	key := BuildKey("p1", "scan.ply", "drc")
	if !strings.HasSuffix(key, ".drc") {
		t.Fatalf("want .drc suffix, got %q", key)
	}
	if strings.Contains(key, ".ply") {
		t.Fatalf("source extension leaked into key: %q", key)
	}
}

func TestBuildKeysAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		key := BuildKey("p1", "scan.ply", "")
		if seen[key] {
			t.Fatalf("duplicate key generated: %q", key)
		}
		seen[key] = true
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"Office Scan":     "office-scan",
		"a__b":            "a-b",
		"ALREADY-CLEAN":   "already-clean",
		"trailing weird!": "trailing-weird",
	}
	for in, want := range cases {
		if got := sanitizeName(in); got != want {
			t.Errorf("sanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestURLRoundTrip(t *testing.T) {
	s := &Storage{PublicBaseURL: "https://cdn.example.com"}

	url := s.URLFor("p1/123-abcdef-scan.drc")
	key, err := s.KeyFromURL(url)
	if err != nil {
		t.Fatalf("KeyFromURL: %v", err)
	}
	if key != "p1/123-abcdef-scan.drc" {
		t.Fatalf("round trip lost the key: %q", key)
	}

	if _, err := s.KeyFromURL("https://elsewhere.com/object"); err == nil {
		t.Fatal("foreign URL should be rejected")
	}
}
