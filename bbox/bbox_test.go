package bbox

import (
	"net/url"
	"testing"
)

func TestDefaultMatchesAll(t *testing.T) {
	b := Default()
	if b.MinLatitude != -90 || b.MaxLatitude != 90 {
		t.Errorf("latitude bounds = [%g, %g], want [-90, 90]", b.MinLatitude, b.MaxLatitude)
	}
	if b.MinLongitude != -180 || b.MaxLongitude != 180 {
		t.Errorf("longitude bounds = [%g, %g], want [-180, 180]", b.MinLongitude, b.MaxLongitude)
	}
	if b.MinAltitude != -100 || b.MaxAltitude != 1e7 {
		t.Errorf("altitude bounds = [%g, %g], want [-100, 1e7]", b.MinAltitude, b.MaxAltitude)
	}
}

func TestWithin(t *testing.T) {
	box := BoundingBox{
		MinLatitude: 46, MaxLatitude: 47,
		MinLongitude: 14, MaxLongitude: 16,
		MinAltitude: -100, MaxAltitude: 1e7,
	}

	testCases := []struct {
		name          string
		lat, lon, alt float64
		want          bool
	}{
		{"inside", 46.5, 15.0, 10000, true},
		{"on min latitude", 46, 15, 0, true},
		{"on max latitude", 47, 15, 0, true},
		{"on min longitude", 46.5, 14, 0, true},
		{"on max longitude", 46.5, 16, 0, true},
		{"on min altitude", 46.5, 15, -100, true},
		{"on max altitude", 46.5, 15, 1e7, true},
		{"below min latitude", 45.999, 15, 0, false},
		{"above max latitude", 47.001, 15, 0, false},
		{"west of min longitude", 46.5, 13.999, 0, false},
		{"east of max longitude", 46.5, 16.001, 0, false},
		{"below min altitude", 46.5, 15, -101, false},
		{"above max altitude", 46.5, 15, 1e7 + 1, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := box.Within(tc.lat, tc.lon, tc.alt); got != tc.want {
				t.Errorf("Within(%g, %g, %g) = %v, want %v", tc.lat, tc.lon, tc.alt, got, tc.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	testCases := []struct {
		name       string
		data       string
		ok         bool
		parseError bool
		want       BoundingBox
	}{
		{
			name: "all six bounds",
			data: `{"min_latitude": 42, "max_latitude": 43, "min_longitude": 15, "max_longitude": 17, "min_altitude": -100, "max_altitude": 10000000}`,
			ok:   true,
			want: BoundingBox{42, 43, 15, 17, -100, 1e7},
		},
		{
			name: "required four only keeps altitude defaults",
			data: `{"min_latitude": 45, "max_latitude": 47, "min_longitude": 15, "max_longitude": 17}`,
			ok:   true,
			want: BoundingBox{45, 47, 15, 17, -100, 1e7},
		},
		{
			name: "missing required bound",
			data: `{"min_latitude": 45, "max_latitude": 47, "min_longitude": 15}`,
			ok:   false,
		},
		{
			name: "unknown key",
			data: `{"min_latitude": 45, "max_latitude": 47, "min_longitude": 15, "max_longitude": 17, "radius": 5}`,
			ok:   false,
		},
		{
			name: "non-numeric bound",
			data: `{"min_latitude": "low", "max_latitude": 47, "min_longitude": 15, "max_longitude": 17}`,
			ok:   false,
		},
		{
			name: "wrong top-level type",
			data: `[1, 2, 3]`,
			ok:   false,
		},
		{
			name:       "not json",
			data:       `telnet typo`,
			ok:         false,
			parseError: true,
		},
		{
			name: "empty object",
			data: `{}`,
			ok:   false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, reply := v.Validate([]byte(tc.data))
			if tc.ok {
				if reply != nil {
					t.Fatalf("Validate rejected valid update: %+v", reply)
				}
				if got != tc.want {
					t.Errorf("bbox = %v, want %v", got, tc.want)
				}
				return
			}
			if reply == nil {
				t.Fatal("Validate accepted invalid update")
			}
			if reply.Result != -1 {
				t.Errorf("reply.Result = %d, want -1", reply.Result)
			}
			if tc.parseError {
				if _, isStr := reply.Errors.(string); !isStr {
					t.Errorf("parse failure errors = %T, want string", reply.Errors)
				}
			} else {
				msgs, isSlice := reply.Errors.([]string)
				if !isSlice || len(msgs) == 0 {
					t.Errorf("schema failure errors = %#v, want non-empty []string", reply.Errors)
				}
			}
		})
	}
}

func TestApplyQuery(t *testing.T) {
	b := Default()
	b.ApplyQuery(url.Values{
		"min_latitude":  {"45"},
		"max_latitude":  {"47"},
		"min_longitude": {"junk"},
		"max_altitude":  {"30000"},
	})

	want := Default()
	want.MinLatitude = 45
	want.MaxLatitude = 47
	want.MaxAltitude = 30000

	if b != want {
		t.Errorf("ApplyQuery = %v, want %v", b, want)
	}
}
