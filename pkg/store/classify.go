package store

import (
	"encoding/base64"
	"strings"

	"github.com/tidwall/gjson"
)

// classification is the result of inspecting a transport-successful
// reply for a backend error encoded in the body itself.
type classification struct {
	isError bool
	expired bool
	message string
}

// classifyReply checks a raw payload for PostgREST-style error fields
// (code/details/hint/message). Some endpoints resolve normally even for
// semantic errors, so completed handlers run this before trusting the
// body. A message equal to the session-expiry sentinel is flagged so
// the caller can force sign-out.
func classifyReply(body []byte, expiredSentinel string) classification {
	if len(body) == 0 {
		return classification{}
	}
	parsed := gjson.ParseBytes(body)
	if parsed.IsArray() {
		return classification{}
	}

	code := parsed.Get("code")
	details := parsed.Get("details")
	hint := parsed.Get("hint")
	message := parsed.Get("message")

	if !code.Exists() && !details.Exists() && !hint.Exists() && !message.Exists() {
		return classification{}
	}

	c := classification{isError: true}
	switch {
	case message.String() != "":
		c.message = message.String()
	case details.String() != "":
		c.message = details.String()
	case hint.String() != "":
		c.message = hint.String()
	default:
		c.message = code.String()
	}
	c.expired = expiredSentinel != "" && message.String() == expiredSentinel
	return c
}

// decodeUserID extracts the numeric user id claim from a bearer token's
// JWT payload. Claims are tried in order; a token without a usable id
// must be treated as logged-out.
func decodeUserID(token string, claims []string) (int64, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return 0, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return 0, false
	}
	if !gjson.ValidBytes(payload) {
		return 0, false
	}
	for _, claim := range claims {
		v := gjson.GetBytes(payload, claim)
		if v.Exists() && v.Int() > 0 {
			return v.Int(), true
		}
	}
	return 0, false
}
