package eventadmission

import (
	"testing"
)

func TestResolveRoomVersionKnown(t *testing.T) {
	cases := []struct {
		version RoomVersion
		format  EventIDFormat
	}{
		{RoomVersionV1, EventIDFormatV1},
		{RoomVersionV2, EventIDFormatV1},
		{RoomVersionV3, EventIDFormatV2},
		{RoomVersionV4, EventIDFormatV3},
		{RoomVersionV11, EventIDFormatV3},
	}
	for _, tc := range cases {
		if got := resolveRoomVersion(tc.version).eventIDFormat; got != tc.format {
			t.Errorf("version %s: event ID format = %d, want %d", tc.version, got, tc.format)
		}
	}
}

func TestResolveRoomVersionUnknownFallsBack(t *testing.T) {
	impl := resolveRoomVersion("org.example.custom")
	if impl.eventIDFormat != EventIDFormatV1 {
		t.Errorf("unknown version did not fall back to version 1 rules: %+v", impl)
	}
	if impl.maxEventBytes != 0 {
		t.Errorf("version 1 fallback must not carry size limits, got %d", impl.maxEventBytes)
	}
}

func TestKnownRoomVersion(t *testing.T) {
	if !KnownRoomVersion(RoomVersionV10) {
		t.Error("version 10 reported unknown")
	}
	if KnownRoomVersion("99") {
		t.Error("version 99 reported known")
	}
}

func TestRoomVersionSizeLimits(t *testing.T) {
	for _, version := range []RoomVersion{RoomVersionV7, RoomVersionV8, RoomVersionV9, RoomVersionV10, RoomVersionV11} {
		impl := resolveRoomVersion(version)
		if impl.maxEventBytes != 65535 || impl.maxStateEventBytes != 10240 {
			t.Errorf("version %s limits = %d/%d, want 65535/10240", version, impl.maxEventBytes, impl.maxStateEventBytes)
		}
	}
	if impl := resolveRoomVersion(RoomVersionV6); impl.maxEventBytes != 0 {
		t.Errorf("version 6 must not carry size limits, got %d", impl.maxEventBytes)
	}
}
