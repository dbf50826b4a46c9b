package rfcomm

import "testing"

func TestParseAddr(t *testing.T) {
	b, err := parseAddr("00:1A:7D:DA:71:13")
	if err != nil {
		t.Fatalf("parseAddr() error = %v", err)
	}
	want := [6]byte{0x13, 0x71, 0xDA, 0x7D, 0x1A, 0x00}
	if b != want {
		t.Errorf("parseAddr() = % X, want % X", b, want)
	}
	if got := formatAddr(b); got != "00:1A:7D:DA:71:13" {
		t.Errorf("formatAddr() = %s", got)
	}
}

func TestParseAddrRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "00:11:22:33:44", "00:11:22:33:44:GG", "0:11:22:33:44:55", "00-11-22-33-44-55"} {
		if _, err := parseAddr(s); err == nil {
			t.Errorf("parseAddr(%q) should fail", s)
		}
	}
}
