// Package geobuf encodes GeoJSON point features into the compact
// Mapbox geobuf protobuf encoding and decodes them back. Only the
// subset of the schema needed for single point features is
// implemented.
package geobuf

import (
	"errors"
	"fmt"
	"math"
	"sort"

	jsoniter "github.com/json-iterator/go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"google.golang.org/protobuf/encoding/protowire"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Field numbers from the geobuf.proto schema published by Mapbox.
const (
	dataKeys       = 1
	dataDimensions = 2
	dataPrecision  = 3
	dataFeature    = 5

	featureGeometry   = 1
	featureValues     = 13
	featureProperties = 14

	geometryType   = 1
	geometryCoords = 3

	valueString = 1
	valueDouble = 2
	valuePosInt = 3
	valueNegInt = 4
	valueBool   = 5
	valueJSON   = 6

	geometryPoint = 0
)

// DefaultPrecision is the coordinate precision used on the wire:
// three decimal places.
const DefaultPrecision = 3

// Encode serializes a point feature. Coordinates are rounded to
// precision decimal places; property values keep their full
// resolution. Property keys are written in sorted order so identical
// features produce identical frames.
func Encode(f *geojson.Feature, precision int) ([]byte, error) {
	point, ok := f.Geometry.(orb.Point)
	if !ok {
		return nil, fmt.Errorf("geobuf: unsupported geometry %T", f.Geometry)
	}

	keys := make([]string, 0, len(f.Properties))
	for k := range f.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	for _, k := range keys {
		buf = protowire.AppendTag(buf, dataKeys, protowire.BytesType)
		buf = protowire.AppendString(buf, k)
	}
	// Dimensions and precision are proto2 optionals with defaults 2
	// and 6; they only appear on the wire when different.
	if precision != 6 {
		buf = protowire.AppendTag(buf, dataPrecision, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(precision))
	}

	feature, err := encodeFeature(point, f.Properties, keys, precision)
	if err != nil {
		return nil, err
	}
	buf = protowire.AppendTag(buf, dataFeature, protowire.BytesType)
	buf = protowire.AppendBytes(buf, feature)
	return buf, nil
}

func encodeFeature(p orb.Point, props geojson.Properties, keys []string, precision int) ([]byte, error) {
	var buf []byte
	buf = protowire.AppendTag(buf, featureGeometry, protowire.BytesType)
	buf = protowire.AppendBytes(buf, encodeGeometry(p, precision))

	var pairs []byte
	for i, k := range keys {
		val, err := encodeValue(props[k])
		if err != nil {
			return nil, err
		}
		buf = protowire.AppendTag(buf, featureValues, protowire.BytesType)
		buf = protowire.AppendBytes(buf, val)
		pairs = protowire.AppendVarint(pairs, uint64(i))
		pairs = protowire.AppendVarint(pairs, uint64(i))
	}
	if len(pairs) > 0 {
		buf = protowire.AppendTag(buf, featureProperties, protowire.BytesType)
		buf = protowire.AppendBytes(buf, pairs)
	}
	return buf, nil
}

func encodeGeometry(p orb.Point, precision int) []byte {
	e := math.Pow10(precision)
	var buf []byte
	buf = protowire.AppendTag(buf, geometryType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, geometryPoint)

	var coords []byte
	coords = protowire.AppendVarint(coords, protowire.EncodeZigZag(int64(math.Round(p[0]*e))))
	coords = protowire.AppendVarint(coords, protowire.EncodeZigZag(int64(math.Round(p[1]*e))))
	buf = protowire.AppendTag(buf, geometryCoords, protowire.BytesType)
	buf = protowire.AppendBytes(buf, coords)
	return buf
}

func encodeValue(v interface{}) ([]byte, error) {
	var buf []byte
	switch val := v.(type) {
	case nil:
		// Null has no dedicated value kind; it travels as the JSON
		// literal, matching other geobuf writers.
		buf = protowire.AppendTag(buf, valueJSON, protowire.BytesType)
		buf = protowire.AppendString(buf, "null")
	case string:
		buf = protowire.AppendTag(buf, valueString, protowire.BytesType)
		buf = protowire.AppendString(buf, val)
	case bool:
		buf = protowire.AppendTag(buf, valueBool, protowire.VarintType)
		if val {
			buf = protowire.AppendVarint(buf, 1)
		} else {
			buf = protowire.AppendVarint(buf, 0)
		}
	case int:
		buf = appendIntValue(buf, int64(val))
	case int64:
		buf = appendIntValue(buf, val)
	case float64:
		buf = protowire.AppendTag(buf, valueDouble, protowire.Fixed64Type)
		buf = protowire.AppendFixed64(buf, math.Float64bits(val))
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("geobuf: marshal property: %w", err)
		}
		buf = protowire.AppendTag(buf, valueJSON, protowire.BytesType)
		buf = protowire.AppendBytes(buf, b)
	}
	return buf, nil
}

func appendIntValue(buf []byte, v int64) []byte {
	if v >= 0 {
		buf = protowire.AppendTag(buf, valuePosInt, protowire.VarintType)
		return protowire.AppendVarint(buf, uint64(v))
	}
	buf = protowire.AppendTag(buf, valueNegInt, protowire.VarintType)
	return protowire.AppendVarint(buf, uint64(-v))
}

// Decode parses a single point feature produced by Encode or another
// geobuf writer. Payloads holding anything other than one
// two-dimensional point feature are rejected.
func Decode(data []byte) (*geojson.Feature, error) {
	var keys []string
	var featureBuf []byte
	precision := 6
	dimensions := 2

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == dataKeys && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			keys = append(keys, v)
			data = data[n:]
		case num == dataDimensions && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			dimensions = int(v)
			data = data[n:]
		case num == dataPrecision && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			precision = int(v)
			data = data[n:]
		case num == dataFeature && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			featureBuf = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	if featureBuf == nil {
		return nil, errors.New("geobuf: no feature payload")
	}
	if dimensions != 2 {
		return nil, fmt.Errorf("geobuf: unsupported dimensions %d", dimensions)
	}
	return decodeFeature(featureBuf, keys, precision)
}

func decodeFeature(data []byte, keys []string, precision int) (*geojson.Feature, error) {
	var geomBuf []byte
	var values []interface{}
	var pairs []uint64

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == featureGeometry && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			geomBuf = v
			data = data[n:]
		case num == featureValues && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			v, err := decodeValue(raw)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
			data = data[n:]
		case num == featureProperties && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return nil, protowire.ParseError(m)
				}
				pairs = append(pairs, v)
				packed = packed[m:]
			}
		case num == featureProperties && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			pairs = append(pairs, v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	if geomBuf == nil {
		return nil, errors.New("geobuf: feature has no geometry")
	}
	point, err := decodeGeometry(geomBuf, precision)
	if err != nil {
		return nil, err
	}
	if len(pairs)%2 != 0 {
		return nil, errors.New("geobuf: odd property index count")
	}

	f := geojson.NewFeature(point)
	for i := 0; i+1 < len(pairs); i += 2 {
		ki, vi := int(pairs[i]), int(pairs[i+1])
		if ki >= len(keys) || vi >= len(values) {
			return nil, errors.New("geobuf: property index out of range")
		}
		f.Properties[keys[ki]] = values[vi]
	}
	return f, nil
}

func decodeGeometry(data []byte, precision int) (orb.Point, error) {
	gtype := -1
	var coords []int64

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return orb.Point{}, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == geometryType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return orb.Point{}, protowire.ParseError(n)
			}
			gtype = int(v)
			data = data[n:]
		case num == geometryCoords && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return orb.Point{}, protowire.ParseError(n)
			}
			data = data[n:]
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return orb.Point{}, protowire.ParseError(m)
				}
				coords = append(coords, protowire.DecodeZigZag(v))
				packed = packed[m:]
			}
		case num == geometryCoords && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return orb.Point{}, protowire.ParseError(n)
			}
			coords = append(coords, protowire.DecodeZigZag(v))
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return orb.Point{}, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	if gtype != geometryPoint {
		return orb.Point{}, fmt.Errorf("geobuf: unsupported geometry type %d", gtype)
	}
	if len(coords) < 2 {
		return orb.Point{}, errors.New("geobuf: point needs two coordinates")
	}
	e := math.Pow10(precision)
	return orb.Point{float64(coords[0]) / e, float64(coords[1]) / e}, nil
}

func decodeValue(data []byte) (interface{}, error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case valueString:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			return v, nil
		case valueDouble:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			return math.Float64frombits(v), nil
		case valuePosInt:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			return int64(v), nil
		case valueNegInt:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			return -int64(v), nil
		case valueBool:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			return v != 0, nil
		case valueJSON:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			var v interface{}
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("geobuf: json value: %w", err)
			}
			return v, nil
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil, errors.New("geobuf: empty value")
}
