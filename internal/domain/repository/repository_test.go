package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLimitClamp(t *testing.T) {
	l := Limit{Default: 5, Max: 50}

	assert.Equal(t, 5, l.Clamp(0))
	assert.Equal(t, 5, l.Clamp(-3))
	assert.Equal(t, 1, l.Clamp(1))
	assert.Equal(t, 20, l.Clamp(20))
	assert.Equal(t, 50, l.Clamp(500))
	assert.Equal(t, 1, Limit{}.Clamp(0))
}
