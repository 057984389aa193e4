// Package bbox implements the six-bound spatial filter subscribers use
// to narrow the feed, plus validation of bbox update messages.
package bbox

import (
	"fmt"
	"net/url"
	"strconv"
)

// BoundingBox is a closed-interval filter over latitude, longitude and
// altitude. The zero value admits nothing useful; use Default.
type BoundingBox struct {
	MinLatitude  float64 `json:"min_latitude"`
	MaxLatitude  float64 `json:"max_latitude"`
	MinLongitude float64 `json:"min_longitude"`
	MaxLongitude float64 `json:"max_longitude"`
	MinAltitude  float64 `json:"min_altitude"`
	MaxAltitude  float64 `json:"max_altitude"`
}

// Default returns the match-all box.
func Default() BoundingBox {
	return BoundingBox{
		MinLatitude:  -90,
		MaxLatitude:  90,
		MinLongitude: -180,
		MaxLongitude: 180,
		MinAltitude:  -100,
		MaxAltitude:  1e7,
	}
}

// Within reports whether the position lies inside all six bounds.
// Intervals are closed on both ends.
func (b BoundingBox) Within(lat, lon, alt float64) bool {
	if lat < b.MinLatitude {
		return false
	}
	if lat > b.MaxLatitude {
		return false
	}
	if lon < b.MinLongitude {
		return false
	}
	if lon > b.MaxLongitude {
		return false
	}
	if alt < b.MinAltitude {
		return false
	}
	if alt > b.MaxAltitude {
		return false
	}
	return true
}

// ApplyQuery overrides bounds from URL query parameters of the same
// names. Missing or unparseable values leave the existing bound intact.
func (b *BoundingBox) ApplyQuery(q url.Values) {
	set := func(key string, dst *float64) {
		s := q.Get(key)
		if s == "" {
			return
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return
		}
		*dst = v
	}
	set("min_latitude", &b.MinLatitude)
	set("max_latitude", &b.MaxLatitude)
	set("min_longitude", &b.MinLongitude)
	set("max_longitude", &b.MaxLongitude)
	set("min_altitude", &b.MinAltitude)
	set("max_altitude", &b.MaxAltitude)
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("BoundingBox(%g, %g, %g, %g, %g, %g)",
		b.MinLatitude, b.MaxLatitude,
		b.MinLongitude, b.MaxLongitude,
		b.MinAltitude, b.MaxAltitude)
}
