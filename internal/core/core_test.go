package core

import (
	"errors"
	"testing"
)

func TestParseMAC(t *testing.T) {
	m, err := ParseMAC("11:22:33:44:55:66")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m != (MAC{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}) {
		t.Errorf("unexpected mac %v", m)
	}
	if m.String() != "11:22:33:44:55:66" {
		t.Errorf("unexpected string %q", m.String())
	}

	if _, err := ParseMAC("11:22:33:44:55:66:77:88"); !errors.Is(err, ErrConfigInvalid) {
		t.Errorf("expected ErrConfigInvalid for EUI-64, got %v", err)
	}
	if _, err := ParseMAC("nope"); !errors.Is(err, ErrConfigInvalid) {
		t.Errorf("expected ErrConfigInvalid, got %v", err)
	}
}

func TestParseIPv4(t *testing.T) {
	a, err := ParseIPv4("192.168.163.103")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != (IPv4{192, 168, 163, 103}) {
		t.Errorf("unexpected address %v", a)
	}
	if a.String() != "192.168.163.103" {
		t.Errorf("unexpected string %q", a.String())
	}
	if _, err := ParseIPv4("::1"); !errors.Is(err, ErrConfigInvalid) {
		t.Errorf("expected ErrConfigInvalid for IPv6, got %v", err)
	}
}

func TestKeys(t *testing.T) {
	if got := Port(0x1234).Key(); got != "\x12\x34" {
		t.Errorf("port key %q", got)
	}
	if got := (IPv4{10, 0, 0, 1}).Key(); len(got) != 4 {
		t.Errorf("ip key width %d", len(got))
	}
	if got := BroadcastMAC.Key(); len(got) != 6 {
		t.Errorf("mac key width %d", len(got))
	}
}

func TestStringers(t *testing.T) {
	cases := map[string]string{
		EtherTypeIPv4.String():     "ipv4",
		EtherTypeARP.String():      "arp",
		EtherType(0x86dd).String(): "0x86dd",
		ProtocolTCP.String():       "tcp",
		Protocol(99).String():      "proto-99",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}

func TestSentinelErrorsWrap(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), ErrWouldBlock)
	if !errors.Is(wrapped, ErrWouldBlock) {
		t.Error("expected wrapped error to match ErrWouldBlock")
	}
	if errors.Is(ErrConnClosed, ErrWouldBlock) {
		t.Error("distinct sentinels must not match")
	}
}
