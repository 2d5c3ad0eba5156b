package evolution

import "strings"

// The connect endpoint returns QR payloads in several shapes depending on the
// Evolution server version: a direct string code, a {ref, publicKey, clientId}
// segment object joined into one textual code, a segment array, or a
// base64/data-URL image. extractQR recognizes all of them, including one
// level of nesting.

var (
	directQRKeys  = []string{"code", "qrcode", "qrCode", "qr_code", "qr", "image"}
	nestedKeys    = []string{"data", "result", "payload", "instance", "connect", "qr"}
	imageKeys     = []string{"image", "img", "base64", "qrImage", "dataURL"}
	textKeys      = []string{"qrcode", "qrCode", "qr_code", "qr", "code"}
	segmentKeys   = []string{"segments", "qrSegments", "parts", "codes"}
	refKeyVariant = map[string][]string{
		"ref":       {"ref", "Ref"},
		"publicKey": {"publicKey", "PublicKey", "key"},
		"clientId":  {"clientId", "clientID", "ClientID"},
	}
)

// extractQR pulls a QR payload out of a decoded connect response.
// Returns the code, its format and whether anything was found.
func extractQR(raw map[string]interface{}) (string, QRFormat, bool) {
	// "code" as a segment array or segment object takes priority over the
	// same key read as a plain string.
	if segs, ok := joinSegments(raw["code"]); ok {
		return segs, FormatText, true
	}
	if m, ok := raw["code"].(map[string]interface{}); ok {
		if code, format, found := extractFromMap(m); found {
			return code, format, true
		}
	}

	for _, k := range directQRKeys {
		if s, ok := nonEmptyString(raw[k]); ok {
			return s, classifyString(s), true
		}
	}

	for _, k := range nestedKeys {
		inner, ok := raw[k].(map[string]interface{})
		if !ok {
			continue
		}
		if segs, ok := joinSegments(inner["code"]); ok {
			return segs, FormatText, true
		}
		if m, ok := inner["code"].(map[string]interface{}); ok {
			if code, format, found := extractFromMap(m); found {
				return code, format, true
			}
		}
		if code, format, found := extractFromMap(inner); found {
			return code, format, true
		}
	}

	return "", "", false
}

// extractFromMap assembles a QR payload from an object: ref/publicKey/clientId
// segment triples, embedded images, plain text fields, or segment arrays.
func extractFromMap(d map[string]interface{}) (string, QRFormat, bool) {
	ref, okRef := firstNonEmpty(d, refKeyVariant["ref"])
	pub, okPub := firstNonEmpty(d, refKeyVariant["publicKey"])
	cid, okCid := firstNonEmpty(d, refKeyVariant["clientId"])
	if okRef && okPub && okCid {
		return ref + "," + pub + "," + cid, FormatText, true
	}

	for _, k := range imageKeys {
		if s, ok := nonEmptyString(d[k]); ok {
			if strings.HasPrefix(s, "data:image/") || len(s) > 100 {
				return s, FormatImage, true
			}
		}
	}

	for _, k := range textKeys {
		if s, ok := nonEmptyString(d[k]); ok {
			return s, FormatText, true
		}
	}

	for _, k := range segmentKeys {
		if segs, ok := joinSegments(d[k]); ok {
			return segs, FormatText, true
		}
	}

	return "", "", false
}

// classifyString decides whether a direct QR string is already an image
// payload (data URL or a base64 PNG, which always starts with "iVBOR").
func classifyString(s string) QRFormat {
	if strings.HasPrefix(s, "data:image/") || (len(s) > 100 && strings.HasPrefix(s, "iVBOR")) {
		return FormatImage
	}
	return FormatText
}

// joinSegments joins a >=2 element string array with commas, skipping blanks.
func joinSegments(v interface{}) (string, bool) {
	list, ok := v.([]interface{})
	if !ok || len(list) < 2 {
		return "", false
	}
	var parts []string
	for _, item := range list {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, ","), true
}

func nonEmptyString(v interface{}) (string, bool) {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

func firstNonEmpty(d map[string]interface{}, keys []string) (string, bool) {
	for _, k := range keys {
		if s, ok := nonEmptyString(d[k]); ok {
			return s, true
		}
	}
	return "", false
}
