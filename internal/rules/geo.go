package rules

import (
	"math"
	"strings"
)

// EarthRadiusKm is the mean Earth radius used for great-circle distances.
const EarthRadiusKm = 6371.0

// Coordinate is a latitude/longitude pair in degrees.
type Coordinate struct {
	Lat float64
	Lon float64
}

// countryCentroids maps ISO country codes to representative coordinates.
var countryCentroids = map[string]Coordinate{
	"US": {37.0902, -95.7129},
	"UK": {55.3781, -3.4360},
	"CA": {56.1304, -106.3468},
	"AU": {-25.2744, 133.7751},
	"DE": {51.1657, 10.4515},
	"FR": {46.2276, 2.2137},
	"JP": {36.2048, 138.2529},
	"SG": {1.3521, 103.8198},
	"IN": {20.5937, 78.9629},
	"RU": {61.5240, 105.3188},
	"NG": {9.0820, 8.6753},
	"UA": {48.3794, 31.1656},
	"BR": {-14.2350, -51.9253},
	"CN": {35.8617, 104.1954},
}

var countryAliases = map[string]string{
	"GB": "UK",
}

// CountryCoordinate looks up the representative coordinate of a country.
func CountryCoordinate(code string) (Coordinate, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if alias, ok := countryAliases[code]; ok {
		code = alias
	}
	c, ok := countryCentroids[code]
	return c, ok
}

// HaversineKm returns the great-circle distance between a and b.
func HaversineKm(a, b Coordinate) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusKm * c
}
