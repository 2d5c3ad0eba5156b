package evolution

import "regexp"

var (
	nonDigitRe     = regexp.MustCompile(`\D+`)
	leadingDigitRe = regexp.MustCompile(`^(\d+)`)
)

// NormalizeNumber strips a phone number down to its digits.
// "+55 (11) 99999-0000" -> "5511999990000".
func NormalizeNumber(n string) string {
	return nonDigitRe.ReplaceAllString(n, "")
}

// NumberFromJID extracts the leading digit run of a device session
// identifier. "5511999990000@s.whatsapp.net" -> "5511999990000".
func NumberFromJID(jid string) string {
	return leadingDigitRe.FindString(jid)
}
