package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/guildbot/backend/internal/core"
)

func TestStringTrimsAndCaps(t *testing.T) {
	got, err := String("  hello  ", "name", false)
	require.NoError(t, err)
	require.Equal(t, "hello", got)

	// Per-type caps: name tops out at 100, reason at 500.
	_, err = String(strings.Repeat("a", 101), "name", false)
	var invalid *core.InvalidInputError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, "name", invalid.Field)

	got, err = String(strings.Repeat("a", 500), "reason", false)
	require.NoError(t, err)
	require.Len(t, got, 500)

	// Unknown type tags fall back to the generic cap.
	_, err = String(strings.Repeat("a", 1001), "nonsense", false)
	require.ErrorAs(t, err, &invalid)
}

func TestStringEmpty(t *testing.T) {
	_, err := String("   ", "reason", false)
	var invalid *core.InvalidInputError
	require.ErrorAs(t, err, &invalid)

	got, err := String("", "reason", true)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestStringRejectsInjection(t *testing.T) {
	bad := []string{
		"<script>alert(1)</script>",
		"click <img onerror=alert(1)>",
		"eval (document.cookie)",
		"x'; drop table users",
		"1 UNION SELECT password FROM users",
		"admin'--",
		"' OR '1'='1",
		"__import__('os')",
	}
	var invalid *core.InvalidInputError
	for _, s := range bad {
		_, err := String(s, "message", false)
		require.ErrorAs(t, err, &invalid, "input %q", s)
	}

	// Ordinary punctuation and markup survive.
	ok := []string{
		"let's trade: 50 coins for 10 xp?",
		"drop by the voice channel",
		"select your quest",
	}
	for _, s := range ok {
		_, err := String(s, "message", false)
		require.NoError(t, err, "input %q", s)
	}
}

func TestInteger(t *testing.T) {
	min, max := int64(1), int64(100)
	require.NoError(t, Integer(50, &min, &max))
	require.NoError(t, Integer(1, &min, &max))
	require.NoError(t, Integer(100, &min, &max))
	require.Error(t, Integer(0, &min, &max))
	require.Error(t, Integer(101, &min, &max))

	// nil bounds are open-ended.
	require.NoError(t, Integer(-5, nil, &max))
	require.NoError(t, Integer(1000, &min, nil))
}

func TestIntRange(t *testing.T) {
	require.NoError(t, IntRange("stake", 10, 10, 1000))
	err := IntRange("stake", 9, 10, 1000)
	var invalid *core.InvalidInputError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, "stake", invalid.Field)
	require.Error(t, IntRange("stake", 1001, 10, 1000))
}

func TestSnowflake(t *testing.T) {
	got, err := Snowflake(" 123456789012345678 ")
	require.NoError(t, err)
	require.Equal(t, "123456789012345678", got)

	var invalid *core.InvalidInputError
	for _, s := range []string{
		"",
		"1234567890123456",      // 16 digits
		"123456789012345678901", // 21 digits
		"12345678901234567a",
		"-23456789012345678",
	} {
		_, err := Snowflake(s)
		require.ErrorAs(t, err, &invalid, "input %q", s)
	}
}

func TestURL(t *testing.T) {
	for _, s := range []string{
		"https://example.com/path?q=1",
		"http://localhost:3000",
	} {
		got, err := URL(s)
		require.NoError(t, err, "input %q", s)
		require.Equal(t, s, got)
	}

	var invalid *core.InvalidInputError
	for _, s := range []string{
		"javascript:alert(1)",
		"JavaScript:alert(1)",
		"data:text/html;base64,xxxx",
		"vbscript:msgbox(1)",
		"ftp://example.com/file",
		"example.com/no-scheme",
		"https://",
		"https://example.com/" + strings.Repeat("a", 500),
	} {
		_, err := URL(s)
		require.ErrorAs(t, err, &invalid, "input %q", s)
	}
}

func TestSanitizeForDisplay(t *testing.T) {
	require.Equal(t, "\\*bold\\* \\_under\\_ \\`code\\`", SanitizeForDisplay("*bold* _under_ `code`"))
	require.Equal(t, "\\\\\\|pipe", SanitizeForDisplay("\\|pipe"))
	require.Equal(t, "\\>quote", SanitizeForDisplay(">quote"))

	// Zero-width code points are stripped before escaping.
	require.Equal(t, "clean", SanitizeForDisplay("cle​an"))
}
