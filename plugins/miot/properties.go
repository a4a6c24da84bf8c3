package miot

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/joshp123/gomiot/plugins/miot/micloud"
	"github.com/joshp123/gomiot/plugins/miot/miio"
)

// PropertyValue is a property reading labelled with its spec name.
type PropertyValue struct {
	Name  string          `json:"name"`
	SIID  int             `json:"siid"`
	PIID  int             `json:"piid"`
	Code  int             `json:"code"`
	Unit  string          `json:"unit,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Float returns the value as a number. Booleans map to 0 and 1.
func (p PropertyValue) Float() (float64, bool) {
	if p.Code != 0 || len(p.Value) == 0 {
		return 0, false
	}
	raw := bytes.TrimSpace(p.Value)
	switch string(raw) {
	case "true":
		return 1, true
	case "false":
		return 0, true
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func matchResults(refs []micloud.PropertyRef, results []miio.PropertyResult) []PropertyValue {
	type key struct{ siid, piid int }
	byID := make(map[key]miio.PropertyResult, len(results))
	for _, r := range results {
		byID[key{r.SIID, r.PIID}] = r
	}
	out := make([]PropertyValue, 0, len(refs))
	for _, ref := range refs {
		r, ok := byID[key{ref.SIID, ref.PIID}]
		if !ok {
			continue
		}
		out = append(out, PropertyValue{
			Name:  ref.Name,
			SIID:  ref.SIID,
			PIID:  ref.PIID,
			Code:  r.Code,
			Unit:  ref.Unit,
			Value: r.Value,
		})
	}
	return out
}
