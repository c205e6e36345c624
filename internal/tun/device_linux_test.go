//go:build linux

package tun

import "testing"

func TestFromFD_Invalid(t *testing.T) {
	if _, err := FromFD(-1, 1500); err == nil {
		t.Error("FromFD(-1) should fail")
	}
}

func TestOpen_InvalidName(t *testing.T) {
	// Longer than IFNAMSIZ.
	if _, err := Open("this-name-is-far-too-long-for-linux", 1500); err == nil {
		t.Error("Open with an overlong name should fail")
	}
}
