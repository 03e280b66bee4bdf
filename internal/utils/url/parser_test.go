package urlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	valid := []string{
		"http://example.com",
		"https://example.com/path",
	}
	for _, u := range valid {
		if err := ValidateURL(u); err != nil {
			t.Fatalf("expected valid, got error: %v", err)
		}
	}

	invalid := []string{"ftp://example.com", "//example.com", "http:///"}
	for _, u := range invalid {
		if err := ValidateURL(u); err == nil {
			t.Fatalf("expected invalid for %s", u)
		}
	}
}

func TestCanonical(t *testing.T) {
	base := "https://app.example.test/submissions?page=2"
	tests := []struct {
		href string
		want string
	}{
		{"/tasks/abc", "https://app.example.test/tasks/abc"},
		{"/tasks/abc#overview", "https://app.example.test/tasks/abc"},
		{"https://other.test/tasks/x#y", "https://other.test/tasks/x"},
		{"tasks/rel", "https://app.example.test/tasks/rel"},
		{"#top", ""},
		{"", ""},
		{"javascript:void(0)", ""},
		{"mailto:someone@example.test", ""},
	}
	for _, tt := range tests {
		t.Run(tt.href, func(t *testing.T) {
			assert.Equal(t, tt.want, Canonical(base, tt.href))
		})
	}
}

func TestHost(t *testing.T) {
	assert.Equal(t, "app.example.test", Host("https://app.example.test/tasks/1"))
	assert.Equal(t, "", Host("::bad"))
}
