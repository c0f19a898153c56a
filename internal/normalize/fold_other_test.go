//go:build !darwin

package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPath_KeepsUnicodeSpelling(t *testing.T) {
	decomposed := "/data/cafe\u0301.txt"
	composed := "/data/caf\u00e9.txt"

	assert.Equal(t, decomposed, Path(decomposed))
	assert.Equal(t, composed, Path(composed))
	assert.NotEqual(t, Path(decomposed), Path(composed), "distinct names stay distinct")
}
