package detect

import (
	"fmt"
	"math"
	"net/netip"

	"threatwatch/config"
	"threatwatch/core"
)

const earthRadiusKm = 6371.0

// Location is a named point on the globe
type Location struct {
	Name      string
	Latitude  float64
	Longitude float64
}

// GeoTable resolves source addresses to locations through configured networks.
// Longest prefix wins.
type GeoTable struct {
	entries []geoEntry
}

type geoEntry struct {
	prefix netip.Prefix
	loc    Location
}

// NewGeoTable builds a table from configured locations
func NewGeoTable(locations []config.GeoLocation) (*GeoTable, error) {
	t := &GeoTable{}
	for _, l := range locations {
		prefix, err := netip.ParsePrefix(l.CIDR)
		if err != nil {
			return nil, fmt.Errorf("invalid geo network %q: %w", l.CIDR, err)
		}
		if l.Latitude < -90 || l.Latitude > 90 || l.Longitude < -180 || l.Longitude > 180 {
			return nil, fmt.Errorf("geo location %q has out-of-range coordinates", l.Name)
		}
		name := l.Name
		if name == "" {
			name = l.CIDR
		}
		t.entries = append(t.entries, geoEntry{
			prefix: prefix.Masked(),
			loc:    Location{Name: name, Latitude: l.Latitude, Longitude: l.Longitude},
		})
	}
	return t, nil
}

// Lookup returns the location of ip, if any configured network contains it
func (t *GeoTable) Lookup(ip string) (Location, bool) {
	if t == nil {
		return Location{}, false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Location{}, false
	}
	addr = addr.Unmap()

	best := -1
	var found Location
	for _, e := range t.entries {
		if e.prefix.Contains(addr) && e.prefix.Bits() > best {
			best = e.prefix.Bits()
			found = e.loc
		}
	}
	return found, best >= 0
}

// Locate resolves an event's location. Coordinates supplied upstream in
// metadata.geo take precedence over the network table.
func (t *GeoTable) Locate(event *core.Event) (Location, bool) {
	if loc, ok := locationFromMetadata(event.Metadata); ok {
		return loc, true
	}
	return t.Lookup(event.SourceIP)
}

func locationFromMetadata(metadata map[string]interface{}) (Location, bool) {
	geo, ok := metadata["geo"].(map[string]interface{})
	if !ok {
		return Location{}, false
	}
	lat, latOK := toFloat(geo["lat"])
	lon, lonOK := toFloat(geo["lon"])
	if !latOK || !lonOK {
		return Location{}, false
	}
	name, _ := geo["name"].(string)
	if name == "" {
		name = fmt.Sprintf("%.2f,%.2f", lat, lon)
	}
	return Location{Name: name, Latitude: lat, Longitude: lon}, true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// distanceKm is the great-circle distance between a and b (haversine)
func distanceKm(a, b Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}
