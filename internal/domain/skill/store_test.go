package skill

import (
	"strings"
	"testing"
)

func TestValidateSlug(t *testing.T) {
	valid := []string{"deploy", "pr-review", "release-notes-v2", "a1"}
	for _, slug := range valid {
		if err := ValidateSlug(slug); err != nil {
			t.Errorf("ValidateSlug(%q) = %v, want nil", slug, err)
		}
	}

	invalid := []string{"", "Deploy", "pr_review", "-leading", "trailing-", "double--hyphen", "with space", strings.Repeat("a", 81)}
	for _, slug := range invalid {
		if err := ValidateSlug(slug); err == nil {
			t.Errorf("ValidateSlug(%q) accepted invalid slug", slug)
		}
	}
}

func TestSlugify(t *testing.T) {
	cases := []struct{ in, want string }{
		{"PR Review", "pr-review"},
		{"  Release Notes v2  ", "release-notes-v2"},
		{"weird!!chars##here", "weird-chars-here"},
		{"--already--", "already"},
	}
	for _, tc := range cases {
		if got := Slugify(tc.in); got != tc.want {
			t.Errorf("Slugify(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	if err := ValidateSlug(Slugify("Some Very Display-Like NAME")); err != nil {
		t.Errorf("Slugify output failed validation: %v", err)
	}
}

func TestContentHashStable(t *testing.T) {
	a := ContentHash("# Deploy\nRun the pipeline.")
	b := ContentHash("# Deploy\nRun the pipeline.")
	c := ContentHash("# Deploy\nRun the pipeline!")

	if a != b {
		t.Errorf("hash not deterministic: %s vs %s", a, b)
	}
	if a == c {
		t.Errorf("distinct content produced equal hashes")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}

func TestToBundle(t *testing.T) {
	s := &Skill{
		Slug:        "deploy",
		Name:        "Deploy",
		Description: "Ship it",
		Content:     "# Deploy",
		ContentHash: ContentHash("# Deploy"),
	}
	b := s.ToBundle()
	if b.Slug != s.Slug || b.ContentHash != s.ContentHash || b.Content != s.Content {
		t.Errorf("bundle dropped fields: %+v", b)
	}
}
