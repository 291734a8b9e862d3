package logging

import (
	"log/slog"
	"regexp"
)

// PasswordMask replaces the password segment of any logged URL.
const PasswordMask = "****"

// scheme://user:password@ -> scheme://user:****@
var credentialPattern = regexp.MustCompile(`([A-Za-z][A-Za-z0-9+.\-]*://[^\s:/@]*:)[^\s@/]*@`)

// MaskCredentials replaces the password of every URL found in s.
// Text without embedded credentials is returned unchanged.
func MaskCredentials(s string) string {
	return credentialPattern.ReplaceAllString(s, "${1}"+PasswordMask+"@")
}

func redactValue(v slog.Value) slog.Value {
	switch v.Kind() {
	case slog.KindString:
		return slog.StringValue(MaskCredentials(v.String()))
	case slog.KindAny:
		if err, ok := v.Any().(error); ok && err != nil {
			return slog.StringValue(MaskCredentials(err.Error()))
		}
	}
	return v
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	a.Value = redactValue(a.Value.Resolve())
	return a
}
