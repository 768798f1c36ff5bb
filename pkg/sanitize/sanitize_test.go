package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageText(t *testing.T) {
	assert.Equal(t, "check-in\nat 3", MessageText("  check-in\nat 3\x00\x07 "))
	assert.Equal(t, "<b>hi</b>", MessageText("<b>hi</b>"))
	assert.Equal(t, "", MessageText(" \r\n "))
}

func TestValidateStringLength(t *testing.T) {
	assert.True(t, ValidateStringLength("héllo", 1, 5))
	assert.False(t, ValidateStringLength("", 1, 5))
	assert.False(t, ValidateStringLength(strings.Repeat("x", 6), 1, 5))
}
