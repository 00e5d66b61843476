package template

// Redacted replaces secret-tagged values in events and logs
const Redacted = "[REDACTED]"

// RedactFields returns a copy of m with the named fields replaced by the
// redaction marker. Values nested under non-secret keys are copied as-is;
// decrypted credential material never enters config maps, so field-level
// redaction is sufficient at this boundary.
func RedactFields(m map[string]interface{}, fields []string) map[string]interface{} {
	if len(m) == 0 {
		return m
	}

	secret := make(map[string]bool, len(fields))
	for _, f := range fields {
		secret[f] = true
	}

	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if secret[k] {
			out[k] = Redacted
			continue
		}
		out[k] = v
	}
	return out
}
