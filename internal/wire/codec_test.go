package wire

import "testing"

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	want := GuestInitRequest{
		Volumes: []VolumeInit{{HostTag: "vol0", GuestPath: "/data", ReadOnly: true}},
		Rootfs:  RootfsInit{Kind: RootfsOverlay, Path: "/run/boxlite/rootfs"},
	}

	b, err := c.Marshal(&want)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got GuestInitRequest
	if err := c.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if got.Rootfs.Kind != want.Rootfs.Kind || got.Rootfs.Path != want.Rootfs.Path {
		t.Fatalf("rootfs mismatch: got %+v want %+v", got.Rootfs, want.Rootfs)
	}
	if len(got.Volumes) != 1 || got.Volumes[0] != want.Volumes[0] {
		t.Fatalf("volumes mismatch: got %+v want %+v", got.Volumes, want.Volumes)
	}
}

func TestJSONCodecName(t *testing.T) {
	if (jsonCodec{}).Name() != CodecName {
		t.Fatalf("codec name mismatch")
	}
}
