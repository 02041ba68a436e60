package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversine(t *testing.T) {
	t.Run("IdenticalPoints", func(t *testing.T) {
		assert.Equal(t, 0.0, Haversine(19.076, 72.8777, 19.076, 72.8777))
		assert.Equal(t, 0.0, Haversine(-90, 180, -90, 180))
	})

	t.Run("MumbaiToDelhi", func(t *testing.T) {
		d := Haversine(19.0760, 72.8777, 28.7041, 77.1025)
		assert.InDelta(t, 1153, d, 5)
	})

	t.Run("Symmetric", func(t *testing.T) {
		a := Point{Lat: 51.5074, Lon: -0.1278}
		b := Point{Lat: 40.7128, Lon: -74.0060}
		assert.InDelta(t, Distance(a, b), Distance(b, a), 1e-9)
		assert.InDelta(t, 5570, Distance(a, b), 10)
	})

	t.Run("Antipodal", func(t *testing.T) {
		d := Haversine(0, 0, 0, 180)
		assert.InDelta(t, 3.14159265*EarthRadiusKm, d, 1)
	})
}
