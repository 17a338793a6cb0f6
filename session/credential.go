package session

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/dimapp/echolink"
)

// IsCredentialEmpty reports whether v carries no usable credential.
//
// nil, the literal "null", whitespace-only text and JSON documents without
// any fields ("{}", "[]", scalars other than non-empty strings) are empty.
// Text that is not JSON at all is treated as an opaque, present credential.
// Values that are not text-like are never empty.
func IsCredentialEmpty(v any) bool {
	switch c := v.(type) {
	case nil:
		return true
	case string:
		return textEmpty(c)
	case *string:
		return c == nil || textEmpty(*c)
	case []byte:
		return textEmpty(string(c))
	case json.RawMessage:
		return textEmpty(string(c))
	case echolink.Credential:
		return textEmpty(string(c))
	case *echolink.Credential:
		return c == nil || textEmpty(string(*c))
	default:
		return false
	}
}

func textEmpty(s string) bool {
	if s == "null" {
		return true
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return true
	}
	if !gjson.Valid(trimmed) {
		return false
	}
	doc := gjson.Parse(trimmed)
	switch {
	case doc.IsObject():
		empty := true
		doc.ForEach(func(_, _ gjson.Result) bool {
			empty = false
			return false
		})
		return empty
	case doc.IsArray():
		return len(doc.Array()) == 0
	case doc.Type == gjson.String:
		return doc.Str == ""
	default:
		return true
	}
}
