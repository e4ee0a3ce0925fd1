package homedir

import (
	"path/filepath"
	"testing"
)

func TestExpand(t *testing.T) {
	t.Setenv("HOME", "/home/alice")
	cases := []struct {
		in, want string
	}{
		{"~", "/home/alice"},
		{"~/mail", "/home/alice/mail"},
		{"~/a/../b", "/home/alice/b"},
		{"./mount/emails", "./mount/emails"},
		{"/abs/~/x", "/abs/~/x"},
		{"~bob/x", "~bob/x"},
		{"", ""},
	}
	for _, tc := range cases {
		got, err := Expand(tc.in)
		if err != nil {
			t.Errorf("Expand(%q) = %v", tc.in, err)
			continue
		}
		if got != filepath.FromSlash(tc.want) {
			t.Errorf("Expand(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
