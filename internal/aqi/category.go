// Package aqi maps a predicted index value onto the category bands shown to
// end users.
package aqi

// Category is a named AQI band.
type Category struct {
	Name  string
	Upper float64 // inclusive; the last band is unbounded
}

var bands = []Category{
	{Name: "Good", Upper: 50},
	{Name: "Moderate", Upper: 100},
	{Name: "Unhealthy for Sensitive Groups", Upper: 200},
}

// Unhealthy is the open-ended band above every bounded one.
var Unhealthy = Category{Name: "Unhealthy"}

// Categorize returns the band containing v.
func Categorize(v float64) Category {
	for _, b := range bands {
		if v <= b.Upper {
			return b
		}
	}
	return Unhealthy
}
