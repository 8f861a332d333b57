package auth

import "testing"

func TestIsPublicPath(t *testing.T) {
	for path, want := range map[string]bool{
		"/health":           true,
		"/metrics":          true,
		"/api/v1/rules":     false,
		"/api/v1/dispatch":  false,
	} {
		if got := IsPublicPath(path); got != want {
			t.Errorf("IsPublicPath(%q) = %v, want %v", path, got, want)
		}
	}
}
