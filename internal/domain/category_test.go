package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory("  Nursing ")
	require.NoError(t, err)
	assert.Equal(t, CategoryNursing, c)

	_, err = ParseCategory("plumbing")
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestCategory_UnmarshalJSON(t *testing.T) {
	var body struct {
		Category Category `json:"category"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"category":"companion"}`), &body))
	assert.Equal(t, CategoryCompanion, body.Category)

	err := json.Unmarshal([]byte(`{"category":"astrology"}`), &body)
	assert.Error(t, err)
}

func TestCategories_ReturnsCopy(t *testing.T) {
	cats := Categories()
	require.Len(t, cats, 6)
	cats[0] = "tampered"
	assert.Equal(t, CategoryCaregiver, Categories()[0])
}

func TestServiceOffer_Price(t *testing.T) {
	o := &ServiceOffer{ProposedPrice: decimal.RequireFromString("200.00")}
	assert.True(t, o.Price().Equal(decimal.RequireFromString("200")))

	final := decimal.RequireFromString("180.00")
	o.FinalPrice = &final
	assert.True(t, o.Price().Equal(final))
}
