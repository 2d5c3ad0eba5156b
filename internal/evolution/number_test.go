package evolution

import "testing"

func TestNormalizeNumber(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+55 (11) 99999-0000", "5511999990000"},
		{"5511999990000", "5511999990000"},
		{"", ""},
		{"abc", ""},
		{"55 11 9.9999-0000", "5511999990000"},
	}
	for _, tt := range tests {
		if got := NormalizeNumber(tt.in); got != tt.want {
			t.Errorf("NormalizeNumber(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNumberFromJID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"5511999990000@s.whatsapp.net", "5511999990000"},
		{"5511999990000:12@s.whatsapp.net", "5511999990000"},
		{"", ""},
		{"@s.whatsapp.net", ""},
	}
	for _, tt := range tests {
		if got := NumberFromJID(tt.in); got != tt.want {
			t.Errorf("NumberFromJID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
