// Package validate sanitizes and bounds every user-supplied value before
// it reaches an engine. Validators return the cleaned value plus a
// user-facing error naming the violated constraint.
package validate

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/guildbot/backend/internal/core"
)

// Per-type length caps for free-form strings.
var stringCaps = map[string]int{
	"reason":      500,
	"message":     2000,
	"name":        100,
	"description": 1000,
	"url":         500,
	"generic":     1000,
}

var (
	snowflakeRe = regexp.MustCompile(`^[0-9]{17,20}$`)

	// dangerousPatterns match injection attempts in any free-form value.
	dangerousPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<script[\s>]`),
		regexp.MustCompile(`(?i)</script>`),
		regexp.MustCompile(`(?i)\bon(?:click|error|load|mouseover|focus|submit)\s*=`),
		regexp.MustCompile(`(?i)\beval\s*\(`),
		regexp.MustCompile(`(?i)\bexec\s*\(`),
		regexp.MustCompile(`(?i)\b__import__\s*\(`),
		regexp.MustCompile(`(?i)\bimportlib\b`),
		regexp.MustCompile(`(?i);\s*drop\b`),
		regexp.MustCompile(`(?i)\bunion\s+select\b`),
		regexp.MustCompile(`'--`),
		regexp.MustCompile(`(?i)'\s*or\s*'`),
	}

	// zeroWidth code points stripped from display strings.
	zeroWidth = strings.NewReplacer(
		"​", "", "‌", "", "‍", "", "⁠", "", "\uFEFF", "",
	)

	// markdownEscaper escapes the chat platform's formatting characters.
	markdownEscaper = strings.NewReplacer(
		"\\", "\\\\", "*", "\\*", "_", "\\_", "~", "\\~", "`", "\\`", "|", "\\|", ">", "\\>",
	)
)

// String validates a free-form string of the given type tag. Returns the
// trimmed value or an InvalidInputError naming the constraint.
func String(value, typ string, allowEmpty bool) (string, error) {
	cleaned := strings.TrimSpace(value)

	if cleaned == "" {
		if allowEmpty {
			return "", nil
		}
		return "", core.NewInvalidInput(typ, "must not be empty")
	}

	limit, ok := stringCaps[typ]
	if !ok {
		limit = stringCaps["generic"]
	}
	if len(cleaned) > limit {
		return "", core.NewInvalidInput(typ, fmt.Sprintf("must be at most %d characters", limit))
	}

	for _, re := range dangerousPatterns {
		if re.MatchString(cleaned) {
			return "", core.NewInvalidInput(typ, "contains a disallowed pattern")
		}
	}

	return cleaned, nil
}

// Integer bounds-checks a value. min/max are inclusive; pass nil to skip.
func Integer(value int64, min, max *int64) error {
	if min != nil && value < *min {
		return core.NewInvalidInput("value", fmt.Sprintf("must be at least %d", *min))
	}
	if max != nil && value > *max {
		return core.NewInvalidInput("value", fmt.Sprintf("must be at most %d", *max))
	}
	return nil
}

// IntRange is a convenience for the common inclusive-range check.
func IntRange(name string, value, min, max int64) error {
	if value < min || value > max {
		return core.NewInvalidInput(name, fmt.Sprintf("must be between %d and %d", min, max))
	}
	return nil
}

// Snowflake validates a 17-20 digit platform identifier.
func Snowflake(value string) (string, error) {
	cleaned := strings.TrimSpace(value)
	if !snowflakeRe.MatchString(cleaned) {
		return "", core.NewInvalidInput("id", "must be a 17-20 digit identifier")
	}
	return cleaned, nil
}

// URL accepts only absolute http/https URLs.
func URL(value string) (string, error) {
	cleaned := strings.TrimSpace(value)
	lower := strings.ToLower(cleaned)
	for _, scheme := range []string{"javascript:", "data:", "vbscript:"} {
		if strings.HasPrefix(lower, scheme) {
			return "", core.NewInvalidInput("url", "scheme not allowed")
		}
	}
	u, err := url.Parse(cleaned)
	if err != nil {
		return "", core.NewInvalidInput("url", "not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", core.NewInvalidInput("url", "must use http or https")
	}
	if u.Host == "" {
		return "", core.NewInvalidInput("url", "must be absolute")
	}
	if len(cleaned) > stringCaps["url"] {
		return "", core.NewInvalidInput("url", fmt.Sprintf("must be at most %d characters", stringCaps["url"]))
	}
	return cleaned, nil
}

// SanitizeForDisplay escapes formatting characters and strips zero-width
// code points so user text renders inert in embeds.
func SanitizeForDisplay(value string) string {
	return markdownEscaper.Replace(zeroWidth.Replace(value))
}
