package dispatch

import "strings"

// NormalizeParams cleans up model-provided parameter values before
// they reach the draft ledger. Dates written with slashes or dots
// become dashed, phone numbers lose decoration, and everything is
// trimmed. Validation still happens downstream; this only removes
// formatting noise the model tends to introduce.
func NormalizeParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		v = strings.TrimSpace(v)
		switch k {
		case "date", "birth_date":
			v = normalizeDate(v)
		case "phone":
			v = normalizePhone(v)
		}
		out[k] = v
	}
	return out
}

func normalizeDate(v string) string {
	v = strings.ReplaceAll(v, "/", "-")
	return strings.ReplaceAll(v, ".", "-")
}

func normalizePhone(v string) string {
	var b strings.Builder
	for i, r := range v {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return v
	}
	return b.String()
}
