package miio

import (
	"context"
	"encoding/json"
	"fmt"
)

// Property addresses one MIoT property by service and property id.
type Property struct {
	SIID  int
	IID   int
	Value any
}

type propertyParam struct {
	DID   string `json:"did"`
	SIID  int    `json:"siid"`
	PIID  int    `json:"piid"`
	Value any    `json:"value,omitempty"`
}

// PropertyResult is one entry of a get_properties/set_properties reply.
type PropertyResult struct {
	DID   string          `json:"did"`
	SIID  int             `json:"siid"`
	PIID  int             `json:"piid"`
	Code  int             `json:"code"`
	Value json.RawMessage `json:"value,omitempty"`
}

// GetProperties reads props with get_properties and returns the raw reply.
func (s *Session) GetProperties(ctx context.Context, props []Property) (Response, error) {
	return s.Call(ctx, "get_properties", s.propertyParams(props, false))
}

// WriteProperties writes props with set_properties and returns the raw reply.
func (s *Session) WriteProperties(ctx context.Context, props []Property) (Response, error) {
	return s.Call(ctx, "set_properties", s.propertyParams(props, true))
}

func (s *Session) propertyParams(props []Property, withValue bool) []propertyParam {
	params := make([]propertyParam, 0, len(props))
	for _, prop := range props {
		p := propertyParam{DID: s.cfg.DID, SIID: prop.SIID, PIID: prop.IID}
		if withValue {
			p.Value = prop.Value
		}
		params = append(params, p)
	}
	return params
}

// DecodeProperties parses the result list of a property reply.
func DecodeProperties(resp Response) ([]PropertyResult, error) {
	if len(resp.Result) == 0 {
		return nil, nil
	}
	var out []PropertyResult
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return nil, fmt.Errorf("decode property results: %w", err)
	}
	return out, nil
}
