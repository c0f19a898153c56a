package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPath(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"clean", "/data/a/../b/./c", "/data/b/c"},
		{"trailing slash", "/data/dir/", "/data/dir"},
		{"root", "/", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Path(tt.input))
		})
	}
}

func TestWithin(t *testing.T) {
	assert.True(t, Within("/data", "/data"))
	assert.True(t, Within("/data", "/data/a/b"))
	assert.False(t, Within("/data", "/database"))
	assert.False(t, Within("/data", "/other"))
	assert.True(t, Within("/", "/anything"))
}

func TestRel(t *testing.T) {
	rel, ok := Rel("/data", "/data/a/b.txt")
	assert.True(t, ok)
	assert.Equal(t, "a/b.txt", rel)

	rel, ok = Rel("/data", "/data")
	assert.True(t, ok)
	assert.Equal(t, ".", rel)

	_, ok = Rel("/data", "/elsewhere/x")
	assert.False(t, ok)
}

func TestBaseAndDir(t *testing.T) {
	assert.Equal(t, "b.txt", Base("/data/a/b.txt"))
	assert.Equal(t, "/data/a", Dir("/data/a/b.txt"))
	assert.Equal(t, "/", Dir("/data"))
	assert.Equal(t, "name", Base("name"))
	assert.Equal(t, ".", Dir("name"))
}
