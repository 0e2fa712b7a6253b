package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Category is the kind of in-home care a client is requesting.
type Category string

const (
	CategoryCaregiver     Category = "caregiver"
	CategoryNursing       Category = "nursing"
	CategoryPhysiotherapy Category = "physiotherapy"
	CategoryCompanion     Category = "companion"
	CategoryNutrition     Category = "nutrition"
	CategorySpeechTherapy Category = "speech_therapy"
)

var allCategories = []Category{
	CategoryCaregiver,
	CategoryNursing,
	CategoryPhysiotherapy,
	CategoryCompanion,
	CategoryNutrition,
	CategorySpeechTherapy,
}

// Categories returns every supported category in display order.
func Categories() []Category {
	out := make([]Category, len(allCategories))
	copy(out, allCategories)
	return out
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range allCategories {
		if c == known {
			return true
		}
	}
	return false
}

// Label is the category as shown in notification text ("speech therapy").
func (c Category) Label() string {
	return strings.ReplaceAll(string(c), "_", " ")
}

// ParseCategory normalizes s and returns the matching category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown category %q", ErrValidation, s)
	}
	return c, nil
}

// UnmarshalJSON rejects categories outside the enumeration.
func (c *Category) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*c = ""
		return nil
	}
	parsed, err := ParseCategory(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
