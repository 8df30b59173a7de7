package subscription

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tomoon_nexus/internal/shared/apperr"
)

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"My Sub.yaml":      "My_Sub",
		"a/b c.txt":        "a_b_c",
		"clash.config.yml": "clash",
		"  spaced  ":       "spaced",
		".hidden":          "",
		"":                 "",
		"plain":            "plain",
	}
	for in, want := range cases {
		if got := sanitizeName(in); got != want {
			t.Errorf("sanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestChooseName_Fallbacks(t *testing.T) {
	if got := chooseName("", "sub.yaml"); got != "sub" {
		t.Errorf("second hint ignored: %q", got)
	}
	if got := chooseName("Provider Name", "sub"); got != "Provider_Name" {
		t.Errorf("first hint must win: %q", got)
	}
	got := chooseName("", ".")
	if len(got) != 8 {
		t.Fatalf("random fallback should be 8 chars, got %q", got)
	}
	for _, r := range got {
		if !strings.ContainsRune("0123456789abcdef", r) {
			t.Fatalf("random name is not alphanumeric: %q", got)
		}
	}
}

func TestCreateUnique_SuffixesOnCollision(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "sub.yaml"), []byte("keep"), 0644)
	os.WriteFile(filepath.Join(dir, "sub_1.yaml"), []byte("keep"), 0644)

	f, p, err := createUnique(dir, "sub")
	if err != nil {
		t.Fatalf("createUnique failed: %v", err)
	}
	f.Close()
	if filepath.Base(p) != "sub_2.yaml" {
		t.Errorf("expected sub_2.yaml, got %s", p)
	}
	if data, _ := os.ReadFile(filepath.Join(dir, "sub.yaml")); string(data) != "keep" {
		t.Errorf("existing file was touched")
	}
}

func TestCreateUnique_GivesUpAfterBound(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "full.yaml"), nil, 0644)
	for i := 1; i <= maxNameAttempts; i++ {
		os.WriteFile(filepath.Join(dir, fmt.Sprintf("full_%d.yaml", i)), nil, 0644)
	}

	_, _, err := createUnique(dir, "full")
	if !apperr.Is(err, apperr.IO) {
		t.Fatalf("expected IO error, got %v", err)
	}
	if !strings.Contains(err.Error(), "cannot find a new name") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestSubconverter_Rewrite(t *testing.T) {
	c := Subconverter{Endpoint: "http://127.0.0.1:25500/sub", ConfigURL: "http://127.0.0.1:55556/ACL4SSR_Online.ini"}
	got := c.Rewrite("https://example.com/s?token=a b")

	want := "http://127.0.0.1:25500/sub?target=clash&url=https%3A%2F%2Fexample.com%2Fs%3Ftoken%3Da+b&insert=false" +
		"&config=http%3A%2F%2F127.0.0.1%3A55556%2FACL4SSR_Online.ini&emoji=true&list=false&tfo=false&scv=true" +
		"&fdn=false&expand=true&sort=false&new_name=true"
	if got != want {
		t.Errorf("Rewrite mismatch\n got: %s\nwant: %s", got, want)
	}
}
