package assets

import (
	"testing"

	"content-allocator/internal/models"
)

func TestKindForKey(t *testing.T) {
	cases := []struct {
		key  string
		want string
	}{
		{"models/a/fitness/shot1.jpg", models.AssetImage},
		{"models/a/fitness/shot2.JPEG", models.AssetImage},
		{"models/a/clip.mp4", models.AssetVideo},
		{"models/a/clip.MOV", models.AssetVideo},
		{"models/a/readme.txt", ""},
		{"models/a/noext", ""},
	}
	for _, c := range cases {
		if got := KindForKey(c.key); got != c.want {
			t.Fatalf("KindForKey(%q) = %q, want %q", c.key, got, c.want)
		}
	}
}

func TestNicheForKey(t *testing.T) {
	cases := []struct {
		key, prefix, want string
	}{
		{"models/a/fitness/shot1.jpg", "models/a", "fitness"},
		{"models/a/Gaming/clip.mp4", "models/a/", "gaming"},
		{"models/a/shot1.jpg", "models/a", ""},
		{"models/a/travel/2024/beach.jpg", "models/a", "travel"},
	}
	for _, c := range cases {
		if got := NicheForKey(c.key, c.prefix); got != c.want {
			t.Fatalf("NicheForKey(%q, %q) = %q, want %q", c.key, c.prefix, got, c.want)
		}
	}
}
