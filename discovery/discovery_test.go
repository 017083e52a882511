package discovery

import "testing"

func TestAnnounceRequiresDeviceID(t *testing.T) {
	if _, err := Announce(Config{Port: 8090}); err == nil {
		t.Error("expected error for missing device ID")
	}
}

func TestAnnounceRequiresPort(t *testing.T) {
	if _, err := Announce(Config{DeviceID: "lamp-01"}); err == nil {
		t.Error("expected error for missing port")
	}
	if _, err := Announce(Config{DeviceID: "lamp-01", Port: -1}); err == nil {
		t.Error("expected error for negative port")
	}
}
