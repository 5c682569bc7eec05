package signature

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "76 ?? C5", want: "76 ?? C5"},
		{in: "  eb\t09  ", want: "EB 09"},
		{in: "? 00 ?", want: "?? 00 ??"},
		{in: "", wantErr: true},
		{in: "   ", wantErr: true},
		{in: "4?", wantErr: true},
		{in: "GG", wantErr: true},
		{in: "123", wantErr: true},
		{in: "7", wantErr: true},
	}
	for _, tt := range tests {
		sig, err := Parse(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Parse(%q) = %v, want error", tt.in, sig)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q) error: %v", tt.in, err)
			continue
		}
		if got := sig.String(); got != tt.want {
			t.Errorf("Parse(%q).String() = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIndexLiteralOnly(t *testing.T) {
	data := []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66}
	tests := []struct {
		sig  string
		want int
	}{
		{"00", 0},
		{"22 33 44", 2},
		{"55 66", 5},
		{"66", 6},
		{"66 77", -1},
		{"22 44", -1},
		{"00 11 22 33 44 55 66", 0},
	}
	for _, tt := range tests {
		sig := MustParse(tt.sig)
		got := sig.Index(data)
		if got != tt.want {
			t.Errorf("Index(%q) = %d, want %d", tt.sig, got, tt.want)
		}
		// A literal signature matches iff its bytes occur verbatim
		lit := make([]byte, sig.Len())
		for i, tok := range sig.tokens {
			lit[i] = tok.value
		}
		if want := bytes.Index(data, lit); got != want {
			t.Errorf("Index(%q) = %d, bytes.Index = %d", tt.sig, got, want)
		}
	}
}

func TestIndexWildcardAcceptsAnyByte(t *testing.T) {
	sig := MustParse("48 8B 05 ?? ?? ?? ?? 48 85 C0")
	base := []byte{0xCC, 0xCC, 0x48, 0x8B, 0x05, 0x10, 0x20, 0x30, 0x40, 0x48, 0x85, 0xC0, 0xCC}

	want := sig.Index(base)
	if want != 2 {
		t.Fatalf("Index() = %d, want 2", want)
	}
	for pos := 5; pos <= 8; pos++ {
		for _, b := range []byte{0x00, 0x48, 0x7F, 0xFF} {
			data := append([]byte(nil), base...)
			data[pos] = b
			if got := sig.Index(data); got != want {
				t.Errorf("Index() with data[%d]=%02X = %d, want %d", pos, b, got, want)
			}
		}
	}
}

func TestIndexLowestAddressWins(t *testing.T) {
	sig := MustParse("AA ?? CC")
	data := []byte{0x00, 0xAA, 0x01, 0xCC, 0xAA, 0x02, 0xCC, 0xAA, 0xBB, 0xCC}
	if got := sig.Index(data); got != 1 {
		t.Errorf("Index() = %d, want 1", got)
	}
}

func TestIndexLeadingWildcards(t *testing.T) {
	sig := MustParse("?? ?? 90 C3")
	data := []byte{0x90, 0xC3, 0x11, 0x22, 0x90, 0xC3}
	// 90 C3 at offset 0 has no room for the two leading wildcards
	if got := sig.Index(data); got != 2 {
		t.Errorf("Index() = %d, want 2", got)
	}

	all := MustParse("?? ??")
	if got := all.Index([]byte{0x01, 0x02, 0x03}); got != 0 {
		t.Errorf("all-wildcard Index() = %d, want 0", got)
	}
}

func TestIndexShortImage(t *testing.T) {
	sig := MustParse("01 02 03 04")
	for _, data := range [][]byte{nil, {}, {0x01}, {0x01, 0x02, 0x03}} {
		if got := sig.Index(data); got != -1 {
			t.Errorf("Index(%v) = %d, want -1", data, got)
		}
	}

	// Bounds are respected on a slice with spare capacity
	backing := []byte{0x01, 0x02, 0x03, 0x04}
	if got := sig.Index(backing[:3]); got != -1 {
		t.Errorf("Index(backing[:3]) = %d, want -1", got)
	}
}

func TestImageFind(t *testing.T) {
	img := &Image{Base: 0x140000000, Data: []byte{0x83, 0x3D, 0x11, 0x22, 0x33, 0x44, 0x00, 0x74, 0x05}}
	sig := MustParse("83 3D ?? ?? ?? ?? 00 74 ??")

	addr, err := img.Find(sig)
	if err != nil {
		t.Fatalf("Find() error: %v", err)
	}
	if addr != 0x140000000 {
		t.Errorf("Find() = 0x%x, want 0x140000000", addr)
	}
	if !img.MatchAt(sig, addr) {
		t.Errorf("MatchAt(0x%x) = false", addr)
	}

	// Patching a literal byte must make the same signature stop matching
	img.Data[7] = 0xEB
	if _, err := img.Find(sig); !errors.Is(err, ErrNotFound) {
		t.Errorf("Find() after patch error = %v, want ErrNotFound", err)
	}
}

func TestImageBytes(t *testing.T) {
	img := &Image{Base: 0x1000, Data: []byte{1, 2, 3, 4}}
	if b, err := img.Bytes(0x1002, 2); err != nil || !bytes.Equal(b, []byte{3, 4}) {
		t.Errorf("Bytes(0x1002, 2) = %v, %v", b, err)
	}
	if _, err := img.Bytes(0x1003, 2); err == nil {
		t.Errorf("Bytes(0x1003, 2) should fail")
	}
	if _, err := img.Bytes(0xFFF, 1); err == nil {
		t.Errorf("Bytes(0xFFF, 1) should fail")
	}
}

func TestReadOverrides(t *testing.T) {
	o, err := ReadOverrides(strings.NewReader("signatures:\n  FOV: \"41 0F ?? ??\"\n"))
	if err != nil {
		t.Fatalf("ReadOverrides() error: %v", err)
	}
	def := MustParse("90")
	if got := o.Lookup("FOV", def).String(); got != "41 0F ?? ??" {
		t.Errorf("Lookup(FOV) = %q", got)
	}
	if got := o.Lookup("HUD", def).String(); got != "90" {
		t.Errorf("Lookup(HUD) = %q, want default", got)
	}

	if _, err := ReadOverrides(strings.NewReader("signatures:\n  FOV: \"4?\"\n")); err == nil {
		t.Errorf("ReadOverrides() with bad token should fail")
	}
	if _, err := ReadOverrides(strings.NewReader("patterns: {}\n")); err == nil {
		t.Errorf("ReadOverrides() with unknown field should fail")
	}
	if o, err := ReadOverrides(strings.NewReader("")); err != nil || len(o) != 0 {
		t.Errorf("ReadOverrides(empty) = %v, %v", o, err)
	}
}

func TestPatched(t *testing.T) {
	sig := MustParse("83 3D ?? ?? ?? ?? 00 74 ??")
	tests := []struct {
		off  int
		data []byte
		want string
	}{
		{7, []byte{0xEB}, "83 3D ?? ?? ?? ?? 00 EB ??"},
		{0, []byte{0xEB, 0x09}, "EB 09 ?? ?? ?? ?? 00 74 ??"},
		{2, []byte{0x11}, "83 3D 11 ?? ?? ?? 00 74 ??"},
		{10, []byte{0x90}, "83 3D ?? ?? ?? ?? 00 74 ?? ?? 90"},
	}
	for _, tt := range tests {
		if got := sig.Patched(tt.off, tt.data).String(); got != tt.want {
			t.Errorf("Patched(%d, % X) = %q, want %q", tt.off, tt.data, got, tt.want)
		}
	}
	if sig.String() != "83 3D ?? ?? ?? ?? 00 74 ??" {
		t.Errorf("Patched() modified the receiver: %q", sig)
	}

	lead := MustParse("?? ?? 74")
	if got := lead.Patched(0, []byte{0x90}).Index([]byte{0x00, 0x90, 0x00, 0x74}); got != 1 {
		t.Errorf("Index() after Patched = %d, want 1", got)
	}
}
