package services

import (
	"strconv"

	"estate_ingest/models"
)

// field describes one canonical scalar for diffing. value returns the textual
// form stored in history rows, nil when unknown.
type field struct {
	name  string
	value func(f *models.PropertyFields) *string
	copy  func(dst, src *models.PropertyFields)
}

var canonicalFields = []field{
	{
		name:  "title",
		value: func(f *models.PropertyFields) *string { return nonEmpty(f.Title) },
		copy:  func(dst, src *models.PropertyFields) { dst.Title = src.Title },
	},
	floatField("price", func(f *models.PropertyFields) **float64 { return &f.Price }),
	floatField("area", func(f *models.PropertyFields) **float64 { return &f.Area }),
	intField("floor", func(f *models.PropertyFields) **int { return &f.Floor }),
	intField("total_floors", func(f *models.PropertyFields) **int { return &f.TotalFloors }),
	textField("address", func(f *models.PropertyFields) **string { return &f.Address }),
	textField("street", func(f *models.PropertyFields) **string { return &f.Street }),
	textField("house_number", func(f *models.PropertyFields) **string { return &f.HouseNumber }),
	textField("district", func(f *models.PropertyFields) **string { return &f.District }),
	textField("category", func(f *models.PropertyFields) **string { return &f.Category }),
	textField("status", func(f *models.PropertyFields) **string { return &f.Status }),
	textField("layout", func(f *models.PropertyFields) **string { return &f.Layout }),
	textField("material", func(f *models.PropertyFields) **string { return &f.Material }),
	textField("living_area", func(f *models.PropertyFields) **string { return &f.LivingArea }),
	textField("kitchen_area", func(f *models.PropertyFields) **string { return &f.KitchenArea }),
	textField("balcony", func(f *models.PropertyFields) **string { return &f.Balcony }),
	textField("corner", func(f *models.PropertyFields) **string { return &f.Corner }),
	textField("condition", func(f *models.PropertyFields) **string { return &f.Condition }),
	textField("year_built", func(f *models.PropertyFields) **string { return &f.YearBuilt }),
	textField("seller_phone", func(f *models.PropertyFields) **string { return &f.SellerPhone }),
	textField("description", func(f *models.PropertyFields) **string { return &f.Description }),
}

func textField(name string, slot func(*models.PropertyFields) **string) field {
	return field{
		name:  name,
		value: func(f *models.PropertyFields) *string { return *slot(f) },
		copy:  func(dst, src *models.PropertyFields) { *slot(dst) = *slot(src) },
	}
}

func floatField(name string, slot func(*models.PropertyFields) **float64) field {
	return field{
		name: name,
		value: func(f *models.PropertyFields) *string {
			v := *slot(f)
			if v == nil {
				return nil
			}
			s := strconv.FormatFloat(*v, 'f', -1, 64)
			return &s
		},
		copy: func(dst, src *models.PropertyFields) { *slot(dst) = *slot(src) },
	}
}

func intField(name string, slot func(*models.PropertyFields) **int) field {
	return field{
		name: name,
		value: func(f *models.PropertyFields) *string {
			v := *slot(f)
			if v == nil {
				return nil
			}
			s := strconv.Itoa(*v)
			return &s
		},
		copy: func(dst, src *models.PropertyFields) { *slot(dst) = *slot(src) },
	}
}

type fieldChange struct {
	name     string
	oldValue *string
	newValue *string
}

// applyChanges copies every known incoming value that differs from the stored
// one. Unknown incoming values leave the stored value alone.
func applyChanges(stored, incoming *models.PropertyFields) []fieldChange {
	var changes []fieldChange
	for _, f := range canonicalFields {
		newV := f.value(incoming)
		if newV == nil {
			continue
		}
		oldV := f.value(stored)
		if oldV != nil && *oldV == *newV {
			continue
		}
		changes = append(changes, fieldChange{name: f.name, oldValue: oldV, newValue: newV})
		f.copy(stored, incoming)
	}
	return changes
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
