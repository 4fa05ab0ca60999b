package irc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestWrapTextCutsAtSpaces breaks at the last space within the budget and
// keeps word order.
func TestWrapTextCutsAtSpaces(t *testing.T) {
	assert.Equal(t, []string{"aaa bbb", "ccc ddd"}, WrapText("aaa bbb ccc ddd", 7))
}

func TestWrapTextShortPassthrough(t *testing.T) {
	assert.Equal(t, []string{"hello"}, WrapText("hello", 10))
}

func TestWrapTextOverlongWord(t *testing.T) {
	chunks := WrapText(strings.Repeat("x", 25), 10)
	assert.Equal(t, []string{
		strings.Repeat("x", 10),
		strings.Repeat("x", 10),
		strings.Repeat("x", 5),
	}, chunks)
}

func TestWrapTextEmpty(t *testing.T) {
	assert.Nil(t, WrapText("", 10))
}

func TestWrapTextBudgetFloor(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, WrapText("ab", 0))
}
