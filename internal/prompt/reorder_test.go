package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReorderLongContext(t *testing.T) {
	got := ReorderLongContext([]string{"1", "2", "3", "4", "5"})
	assert.Equal(t, []string{"1", "3", "5", "4", "2"}, got)
}

func TestReorderBestAtEnds(t *testing.T) {
	got := ReorderLongContext([]int{1, 2, 3, 4})
	assert.Equal(t, 1, got[0], "top result stays first")
	assert.Equal(t, 2, got[len(got)-1], "runner-up moves last")
}

func TestReorderSmallInputsUnchanged(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, ReorderLongContext([]string{"a", "b"}))
	assert.Equal(t, []string{"a"}, ReorderLongContext([]string{"a"}))
	assert.Empty(t, ReorderLongContext([]string(nil)))
}
