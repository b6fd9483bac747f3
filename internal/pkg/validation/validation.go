package validation

import (
	"regexp"
	"slices"
	"strings"
)

var identPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// Domains the dashboard is allowed to call services on.
var Domains = []string{
	"light",
	"switch",
	"sensor",
	"binary_sensor",
	"climate",
	"cover",
	"lock",
	"fan",
	"media_player",
	"vacuum",
	"camera",
	"alarm_control_panel",
	"automation",
	"script",
	"scene",
	"input_boolean",
	"input_number",
	"input_select",
	"input_text",
	"timer",
	"counter",
	"person",
	"device_tracker",
	"weather",
	"sun",
	"zone",
}

// EntityID reports whether id is exactly domain.object_id with both parts
// made of lowercase letters, digits and underscores.
func EntityID(id string) bool {
	parts := strings.Split(id, ".")
	if len(parts) != 2 {
		return false
	}
	return identPattern.MatchString(parts[0]) && identPattern.MatchString(parts[1])
}

func Domain(domain string) bool {
	return slices.Contains(Domains, domain)
}

func Service(service string) bool {
	return identPattern.MatchString(service)
}

var (
	controlChars   = regexp.MustCompile(`[\x00-\x1F\x7F]`)
	dangerousChars = regexp.MustCompile("[<>'\"`;()]")
)

// SanitizeString strips control characters and characters commonly used
// for injection, then trims surrounding whitespace.
func SanitizeString(in string) string {
	out := controlChars.ReplaceAllString(in, "")
	out = dangerousChars.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}

// ServiceData accepts a nil map or a map whose values, recursively, are
// only JSON primitives, arrays or objects.
func ServiceData(data map[string]any) bool {
	for _, v := range data {
		if !validValue(v) {
			return false
		}
	}
	return true
}

func validValue(v any) bool {
	switch t := v.(type) {
	case nil, string, bool, float64, float32, int, int64, int32:
		return true
	case []any:
		for _, item := range t {
			if !validValue(item) {
				return false
			}
		}
		return true
	case map[string]any:
		return ServiceData(t)
	}
	return false
}
