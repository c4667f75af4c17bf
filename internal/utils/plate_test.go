package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePlate(t *testing.T) {
	cases := map[string]string{
		" ab-123 ": "AB123",
		"京A·12345": "京A12345",
		"x1":       "X1",
		"  ":       "",
		"--":       "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizePlate(in), in)
	}
}
