package detect

import (
	"fmt"

	"github.com/andresmejia3/veil/internal/types"
	"github.com/tidwall/gjson"
)

// DefaultScore is assumed for detections that report no confidence.
const DefaultScore = 0.9

// Normalize converts detector JSON into detections. It accepts a top-level array
// or an object holding one under "detections" or "faces", and per element any of:
//
//	{"box": {"x", "y", "width", "height"}, "score"}
//	{"detection": {"box": {...}, "score"}}
//	{"topLeft": [x, y], "bottomRight": [x, y], "probability": [p]}
//	{"bbox": [x1, y1, x2, y2], "confidence"}
//	{"loc": [x1, y1, x2, y2]}
//
// with an optional descriptor under "identity", "vec", "embedding" or "descriptor".
// Elements without a usable box are dropped.
func Normalize(data []byte) ([]types.Detection, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("detector output is not valid JSON")
	}

	root := gjson.ParseBytes(data)
	var items gjson.Result
	switch {
	case root.IsArray():
		items = root
	case root.Type == gjson.Null:
		return nil, nil
	case root.IsObject():
		for _, key := range []string{"detections", "faces"} {
			if v := root.Get(key); v.IsArray() {
				items = v
				break
			}
		}
		if !items.Exists() {
			return nil, fmt.Errorf("detector output has no detections array")
		}
	default:
		return nil, fmt.Errorf("unexpected detector output type %s", root.Type)
	}

	var out []types.Detection
	items.ForEach(func(_, el gjson.Result) bool {
		if d, ok := parseElement(el); ok {
			out = append(out, d)
		}
		return true
	})
	return out, nil
}

func parseElement(el gjson.Result) (types.Detection, bool) {
	if !el.IsObject() {
		return types.Detection{}, false
	}

	// face-api nests geometry and score one level down
	geom := el
	if nested := el.Get("detection"); nested.IsObject() {
		geom = nested
	}

	box, ok := parseBox(geom)
	if !ok || box.W <= 0 || box.H <= 0 {
		return types.Detection{}, false
	}

	return types.Detection{
		Box:      box,
		Score:    parseScore(geom),
		Identity: parseIdentity(el),
	}, true
}

func parseBox(el gjson.Result) (types.Box, bool) {
	if b := el.Get("box"); b.IsObject() {
		w := first(b, "width", "w")
		h := first(b, "height", "h")
		return types.Box{X: first(b, "x", "left"), Y: first(b, "y", "top"), W: w, H: h}, true
	}

	if tl, br := el.Get("topLeft"), el.Get("bottomRight"); tl.IsArray() && br.IsArray() {
		p, q := tl.Array(), br.Array()
		if len(p) < 2 || len(q) < 2 {
			return types.Box{}, false
		}
		return corners(p[0].Float(), p[1].Float(), q[0].Float(), q[1].Float()), true
	}

	for _, key := range []string{"bbox", "loc"} {
		if a := el.Get(key); a.IsArray() {
			v := a.Array()
			if len(v) < 4 {
				return types.Box{}, false
			}
			return corners(v[0].Float(), v[1].Float(), v[2].Float(), v[3].Float()), true
		}
	}
	return types.Box{}, false
}

func corners(x1, y1, x2, y2 float64) types.Box {
	return types.Box{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

func parseScore(el gjson.Result) float64 {
	score := DefaultScore
	for _, key := range []string{"score", "probability", "confidence"} {
		v := el.Get(key)
		if v.IsArray() {
			v = v.Get("0")
		}
		if v.Type == gjson.Number {
			score = v.Float()
			break
		}
	}
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}

func parseIdentity(el gjson.Result) []float64 {
	for _, key := range []string{"identity", "vec", "embedding", "descriptor"} {
		v := el.Get(key)
		if !v.IsArray() {
			continue
		}
		arr := v.Array()
		if len(arr) == 0 {
			return nil
		}
		vec := make([]float64, len(arr))
		for i, x := range arr {
			vec[i] = x.Float()
		}
		return vec
	}
	return nil
}

// first returns the first numeric field present among keys.
func first(obj gjson.Result, keys ...string) float64 {
	for _, k := range keys {
		if v := obj.Get(k); v.Exists() {
			return v.Float()
		}
	}
	return 0
}
