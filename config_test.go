package boxlite

import "testing"

func TestParseVmmKindCaseInsensitive(t *testing.T) {
	cases := map[string]VmmKind{
		"libkrun":     VmmLibkrun,
		"LibKrun":     VmmLibkrun,
		"firecracker": VmmFirecracker,
		"FIRECRACKER": VmmFirecracker,
	}
	for in, want := range cases {
		got, err := ParseVmmKind(in)
		if err != nil {
			t.Fatalf("ParseVmmKind(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseVmmKind(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestParseVmmKindUnknownIsEngineError(t *testing.T) {
	_, err := ParseVmmKind("qemu")
	if err == nil {
		t.Fatalf("ParseVmmKind(qemu) should fail")
	}
	if KindOf(err) != ErrEngine {
		t.Fatalf("KindOf(err) = %s, want %s", KindOf(err), ErrEngine)
	}
}
