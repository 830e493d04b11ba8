package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeAndTrim(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{name: "nil slice", input: nil, expected: nil},
		{name: "empty slice", input: []string{}, expected: []string{}},
		{
			name:     "broker list from a comma separated env var",
			input:    []string{" kafka-1:9092", "kafka-2:9092", "kafka-1:9092 ", ""},
			expected: []string{"kafka-1:9092", "kafka-2:9092"},
		},
		{
			name:     "only blanks",
			input:    []string{"", "  "},
			expected: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DedupeAndTrim(tt.input))
		})
	}
}

func TestUniqueKeepsFirstOccurrence(t *testing.T) {
	assert.Equal(t, []int{3, 1, 2}, Unique([]int{3, 1, 3, 2, 1}))
}
