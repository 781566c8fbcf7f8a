package terminal

import "testing"

func TestBufferKeepsNewest(t *testing.T) {
	b := NewOutputBuffer(10)
	b.Write([]byte("0123456789"))
	if b.Truncated() {
		t.Error("Truncated() = true at exactly the limit")
	}
	b.Write([]byte("AB"))
	if got := b.String(); got != "23456789AB" {
		t.Errorf("String() = %q, want newest 10 bytes", got)
	}
	if !b.Truncated() {
		t.Error("Truncated() = false after dropping bytes")
	}
}

func TestBufferOversizedWrite(t *testing.T) {
	b := NewOutputBuffer(5)
	b.Write([]byte("abcdefgh"))
	if got := b.String(); got != "defgh" {
		t.Errorf("String() = %q, want defgh", got)
	}
	if !b.Truncated() {
		t.Error("Truncated() = false")
	}
}

func TestBufferDefaultLimit(t *testing.T) {
	b := NewOutputBuffer(0)
	b.Write([]byte("hello"))
	if got := b.String(); got != "hello" {
		t.Errorf("String() = %q", got)
	}
	if b.Truncated() {
		t.Error("Truncated() = true for a small write")
	}
}
