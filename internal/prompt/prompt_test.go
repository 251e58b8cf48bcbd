package prompt

import "testing"

func TestFormat(t *testing.T) {
	if got := Format("What is this?"); got != "<image_placeholder>\nWhat is this?" {
		t.Fatalf("got %q", got)
	}
	if got := Format(""); got != "<image_placeholder>\n" {
		t.Fatalf("empty: got %q", got)
	}
}

func TestFormatTwiceWrapsTwice(t *testing.T) {
	once := Format("Describe any abnormality")
	twice := Format(once)
	want := "<image_placeholder>\n<image_placeholder>\nDescribe any abnormality"
	if twice != want {
		t.Fatalf("got %q want %q", twice, want)
	}
}

func TestFormatPure(t *testing.T) {
	for _, s := range []string{"a", "multi\nline", "  spaced  "} {
		if Format(s) != Format(s) {
			t.Fatalf("not deterministic for %q", s)
		}
	}
}
