package bbox

import (
	"fmt"
	"sort"

	jsoniter "github.com/json-iterator/go"
	"github.com/xeipuuv/gojsonschema"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Update messages must carry the four lat/lon bounds, may carry the two
// altitude bounds, and nothing else.
const schemaJSON = `{
	"type": "object",
	"properties": {
		"min_latitude":  {"type": "number"},
		"max_latitude":  {"type": "number"},
		"min_longitude": {"type": "number"},
		"max_longitude": {"type": "number"},
		"min_altitude":  {"type": "number"},
		"max_altitude":  {"type": "number"}
	},
	"required": ["min_latitude", "min_longitude", "max_latitude", "max_longitude"],
	"additionalProperties": false,
	"minProperties": 4,
	"maxProperties": 6
}`

// InvalidUpdate is the structured reply sent back for a rejected bbox
// update. Errors holds a string for JSON parse failures and a sorted
// slice of messages for schema violations.
type InvalidUpdate struct {
	Result int         `json:"result"`
	Errors interface{} `json:"errors"`
}

// Encode renders the reply as a JSON byte slice.
func (u *InvalidUpdate) Encode() []byte {
	b, err := json.Marshal(u)
	if err != nil {
		return []byte(`{"result":-1,"errors":"internal error"}`)
	}
	return b
}

// Validator checks bbox update messages against the schema.
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator compiles the update schema.
func NewValidator() (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile bbox schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate parses and checks one update message. On success it returns
// the new box (absent altitude bounds keep their defaults) and a nil
// reply; on failure it returns the reply to send back.
func (v *Validator) Validate(data []byte) (BoundingBox, *InvalidUpdate) {
	res, err := v.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return BoundingBox{}, &InvalidUpdate{
			Result: -1,
			Errors: fmt.Sprintf("JSON parse error: %v", err),
		}
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		sort.Strings(msgs)
		return BoundingBox{}, &InvalidUpdate{Result: -1, Errors: msgs}
	}

	var raw map[string]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return BoundingBox{}, &InvalidUpdate{
			Result: -1,
			Errors: fmt.Sprintf("JSON parse error: %v", err),
		}
	}
	b := Default()
	if v, ok := raw["min_latitude"]; ok {
		b.MinLatitude = v
	}
	if v, ok := raw["max_latitude"]; ok {
		b.MaxLatitude = v
	}
	if v, ok := raw["min_longitude"]; ok {
		b.MinLongitude = v
	}
	if v, ok := raw["max_longitude"]; ok {
		b.MaxLongitude = v
	}
	if v, ok := raw["min_altitude"]; ok {
		b.MinAltitude = v
	}
	if v, ok := raw["max_altitude"]; ok {
		b.MaxAltitude = v
	}
	return b, nil
}
