package brokertest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"product.updated", "product.updated", true},
		{"product.updated", "product.created", false},
		{"product.#", "product.updated", true},
		{"product.#", "product", true},
		{"product.#", "product.stock.changed", true},
		{"product.#", "cart.updated", false},
		{"product.*", "product.updated", true},
		{"product.*", "product", false},
		{"product.*", "product.stock.changed", false},
		{"#", "anything.at.all", true},
		{"*.updated", "cart.updated", true},
		{"#.updated", "a.b.updated", true},
		{"response.corr-123", "response.corr-123", true},
		{"response.corr-123", "response.corr-124", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.key))
		})
	}
}
