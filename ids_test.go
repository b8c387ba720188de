package boxlite

import "testing"

func TestNewBoxIDShape(t *testing.T) {
	id, err := NewBoxID()
	if err != nil {
		t.Fatalf("NewBoxID: %v", err)
	}
	if len(id) != 26 {
		t.Fatalf("len(id) = %d, want 26", len(id))
	}
	if !id.Valid() {
		t.Fatalf("id %q not Valid()", id)
	}
}

func TestNewBoxIDDistinct(t *testing.T) {
	a, err := NewBoxID()
	if err != nil {
		t.Fatalf("NewBoxID: %v", err)
	}
	b, err := NewBoxID()
	if err != nil {
		t.Fatalf("NewBoxID: %v", err)
	}
	if a == b {
		t.Fatalf("two consecutive NewBoxID calls returned the same id")
	}
}

func TestNewContainerIDShape(t *testing.T) {
	id, err := NewContainerID()
	if err != nil {
		t.Fatalf("NewContainerID: %v", err)
	}
	if len(id) != 64 {
		t.Fatalf("len(id) = %d, want 64", len(id))
	}
	if !id.Valid() {
		t.Fatalf("id %q not Valid()", id)
	}
}

func TestContainerIDShort(t *testing.T) {
	id, err := NewContainerID()
	if err != nil {
		t.Fatalf("NewContainerID: %v", err)
	}
	short := id.Short()
	if len(short) != 12 {
		t.Fatalf("len(short) = %d, want 12", len(short))
	}
	if string(id[:12]) != short {
		t.Fatalf("Short() = %q, want prefix of %q", short, id)
	}
}

func TestBoxIDValidRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"too-short",
		"ILOU00000000000000000000", // contains excluded letters I, L, O, U
		"0123456789012345678901234",  // 25 chars, one short
		"lowercase0000000000000000",
	}
	for _, c := range cases {
		if BoxID(c).Valid() {
			t.Errorf("BoxID(%q).Valid() = true, want false", c)
		}
	}
}

func TestContainerIDValidRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"deadbeef",
		"DEADBEEF00000000000000000000000000000000000000000000000000000", // uppercase, too long
	}
	for _, c := range cases {
		if ContainerID(c).Valid() {
			t.Errorf("ContainerID(%q).Valid() = true, want false", c)
		}
	}
}
