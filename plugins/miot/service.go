package miot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joshp123/gomiot/internal/rate"
	"github.com/joshp123/gomiot/internal/structrpc"
	"github.com/joshp123/gomiot/plugins/miot/micloud"
	"github.com/joshp123/gomiot/plugins/miot/miio"
)

const (
	ServiceName = "gomiot.miot.v1.MiotService"

	// Unicast discovery has no bound of its own.
	defaultDiscoverTimeout = 5 * time.Second
)

type service struct {
	client *Client
}

// Service returns the gRPC surface for client. A nil client answers every
// method with FailedPrecondition.
func Service(client *Client) structrpc.Service {
	s := &service{client: client}
	return structrpc.Service{
		Name: ServiceName,
		Methods: []structrpc.Method{
			{Name: "ListDevices", Handler: s.guard(s.ListDevices)},
			{Name: "GetDevice", Handler: s.guard(s.GetDevice)},
			{Name: "Handshake", Handler: s.guard(s.Handshake)},
			{Name: "Call", Handler: s.guard(s.Call)},
			{Name: "GetProperties", Handler: s.guard(s.GetProperties)},
			{Name: "SetProperties", Handler: s.guard(s.SetProperties)},
			{Name: "Discover", Handler: s.guard(s.Discover)},
			{Name: "RefreshCloud", Handler: s.guard(s.RefreshCloud)},
			{Name: "GetSpec", Handler: s.guard(s.GetSpec)},
		},
	}
}

func (s *service) guard(h structrpc.Handler) structrpc.Handler {
	return func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		if s.client == nil {
			return nil, status.Error(codes.FailedPrecondition, "miot client not configured")
		}
		return h(ctx, req)
	}
}

type deviceRequest struct {
	DID       string `json:"did"`
	TimeoutMS int    `json:"timeout_ms"`
}

func (r deviceRequest) require() error {
	if r.DID == "" {
		return status.Error(codes.InvalidArgument, "did is required")
	}
	return nil
}

// withDeadline applies timeout_ms when the caller set one. Without it the
// exchange is bounded by the session's own handshake and call timeouts,
// and ack timeouts keep retrying until the device answers or ctx ends.
func (r deviceRequest) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.TimeoutMS > 0 {
		return context.WithTimeout(ctx, time.Duration(r.TimeoutMS)*time.Millisecond)
	}
	return context.WithCancel(ctx)
}

func (s *service) ListDevices(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	_ = ctx
	return structrpc.Encode(map[string]any{
		"devices":  s.client.Devices(),
		"accounts": s.client.Accounts(),
	})
}

func (s *service) GetDevice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	_ = ctx
	var in deviceRequest
	if err := structrpc.Decode(req, &in); err != nil {
		return nil, err
	}
	if err := in.require(); err != nil {
		return nil, err
	}
	dev, err := s.client.Device(in.DID)
	if err != nil {
		return nil, mapClientError("get device", err)
	}
	values, polled, err := s.client.Status(in.DID)
	if err != nil {
		return nil, mapClientError("get device", err)
	}
	out := map[string]any{"device": dev, "status": values}
	if !polled.IsZero() {
		out["polled_at"] = polled.UTC().Format(time.RFC3339)
	}
	return structrpc.Encode(out)
}

func (s *service) Handshake(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in deviceRequest
	if err := structrpc.Decode(req, &in); err != nil {
		return nil, err
	}
	if err := in.require(); err != nil {
		return nil, err
	}
	ctx, cancel := in.withDeadline(ctx)
	defer cancel()

	info, err := s.client.Handshake(ctx, in.DID)
	if err != nil {
		return nil, mapClientError("handshake", err)
	}
	return structrpc.Encode(map[string]any{
		"did":         info.DID(),
		"device_type": info.DeviceType,
		"device_id":   info.DeviceID,
		"timestamp":   info.Timestamp,
	})
}

func (s *service) Call(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		deviceRequest
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := structrpc.Decode(req, &in); err != nil {
		return nil, err
	}
	if err := in.require(); err != nil {
		return nil, err
	}
	if in.Method == "" {
		return nil, status.Error(codes.InvalidArgument, "method is required")
	}
	var params any = []any{}
	if len(in.Params) > 0 && string(in.Params) != "null" {
		params = in.Params
	}
	ctx, cancel := in.withDeadline(ctx)
	defer cancel()

	resp, err := s.client.Call(ctx, in.DID, in.Method, params)
	if err != nil && !isDeviceReply(err) {
		return nil, mapClientError("call", err)
	}
	return encodeResponse(resp)
}

func encodeResponse(resp miio.Response) (*structpb.Struct, error) {
	out := map[string]any{"id": resp.ID}
	if len(resp.Result) > 0 {
		out["result"] = resp.Result
	}
	if resp.Error != nil {
		out["error"] = resp.Error
	}
	return structrpc.Encode(out)
}

type propertySelector struct {
	SIID  int    `json:"siid"`
	PIID  int    `json:"piid"`
	Name  string `json:"name"`
	Value any    `json:"value"`
}

func (s *service) GetProperties(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		deviceRequest
		Properties []propertySelector `json:"properties"`
	}
	if err := structrpc.Decode(req, &in); err != nil {
		return nil, err
	}
	if err := in.require(); err != nil {
		return nil, err
	}
	ctx, cancel := in.withDeadline(ctx)
	defer cancel()

	if len(in.Properties) == 0 {
		values, err := s.client.ReadAll(ctx, in.DID)
		if err != nil {
			return nil, mapClientError("read properties", err)
		}
		return structrpc.Encode(map[string]any{"properties": values})
	}

	props, err := s.resolve(ctx, in.DID, in.Properties, false)
	if err != nil {
		return nil, err
	}
	results, err := s.client.GetProperties(ctx, in.DID, props)
	if err != nil {
		return nil, mapClientError("get properties", err)
	}
	return structrpc.Encode(map[string]any{"properties": results})
}

func (s *service) SetProperties(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		deviceRequest
		Properties []propertySelector `json:"properties"`
	}
	if err := structrpc.Decode(req, &in); err != nil {
		return nil, err
	}
	if err := in.require(); err != nil {
		return nil, err
	}
	if len(in.Properties) == 0 {
		return nil, status.Error(codes.InvalidArgument, "properties are required")
	}
	ctx, cancel := in.withDeadline(ctx)
	defer cancel()

	props, err := s.resolve(ctx, in.DID, in.Properties, true)
	if err != nil {
		return nil, err
	}
	results, err := s.client.SetProperties(ctx, in.DID, props)
	if err != nil {
		return nil, mapClientError("set properties", err)
	}
	return structrpc.Encode(map[string]any{"results": results})
}

// resolve turns selectors into property addresses. Named selectors are
// looked up in the device's spec.
func (s *service) resolve(ctx context.Context, did string, selectors []propertySelector, write bool) ([]miio.Property, error) {
	var spec *micloud.Spec
	props := make([]miio.Property, 0, len(selectors))
	for _, sel := range selectors {
		if sel.Name == "" {
			if sel.SIID <= 0 || sel.PIID <= 0 {
				return nil, status.Error(codes.InvalidArgument, "each property needs name or siid and piid")
			}
			props = append(props, miio.Property{SIID: sel.SIID, IID: sel.PIID, Value: sel.Value})
			continue
		}
		if spec == nil {
			loaded, err := s.client.Spec(ctx, did)
			if err != nil {
				return nil, mapClientError("load spec", err)
			}
			spec = &loaded
		}
		ref, ok := spec.Property(sel.Name)
		if !ok {
			return nil, mapClientError("resolve property", fmt.Errorf("%w: %s", ErrUnknownProperty, sel.Name))
		}
		if write && !ref.Can("write") {
			return nil, mapClientError("resolve property", fmt.Errorf("%w: %s", ErrNotWritable, sel.Name))
		}
		props = append(props, miio.Property{SIID: ref.SIID, IID: ref.PIID, Value: sel.Value})
	}
	return props, nil
}

func (s *service) Discover(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		Address   string `json:"address"`
		TimeoutMS int    `json:"timeout_ms"`
	}
	if err := structrpc.Decode(req, &in); err != nil {
		return nil, err
	}

	if in.Address == "" {
		found, err := s.client.Scan(ctx)
		if err != nil && len(found) == 0 {
			return nil, mapClientError("scan", err)
		}
		return structrpc.Encode(map[string]any{"devices": found})
	}

	timeout := defaultDiscoverTimeout
	if in.TimeoutMS > 0 {
		timeout = time.Duration(in.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	found, err := s.client.Discover(ctx, in.Address)
	if err != nil {
		return nil, mapClientError("discover", err)
	}
	return structrpc.Encode(map[string]any{"devices": []Discovered{found}})
}

func (s *service) RefreshCloud(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		Account string `json:"account"`
	}
	if err := structrpc.Decode(req, &in); err != nil {
		return nil, err
	}
	n, err := s.client.RefreshCloud(ctx, in.Account)
	if err != nil {
		return nil, mapClientError("refresh cloud", err)
	}
	return structrpc.Encode(map[string]any{"devices": n})
}

func (s *service) GetSpec(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		DID   string `json:"did"`
		Model string `json:"model"`
	}
	if err := structrpc.Decode(req, &in); err != nil {
		return nil, err
	}

	var (
		spec micloud.Spec
		err  error
	)
	switch {
	case in.Model != "":
		spec, err = s.client.SpecForModel(ctx, in.Model)
	case in.DID != "":
		spec, err = s.client.Spec(ctx, in.DID)
	default:
		return nil, status.Error(codes.InvalidArgument, "did or model is required")
	}
	if err != nil {
		return nil, mapClientError("get spec", err)
	}

	refs := spec.Properties()
	props := make([]map[string]any, 0, len(refs))
	for _, ref := range refs {
		props = append(props, map[string]any{
			"name":   ref.Name,
			"siid":   ref.SIID,
			"piid":   ref.PIID,
			"format": ref.Format,
			"unit":   ref.Unit,
			"access": ref.Access,
		})
	}
	return structrpc.Encode(map[string]any{
		"type":        spec.Type,
		"description": spec.Description,
		"properties":  props,
	})
}

func mapClientError(action string, err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, ErrUnknownDevice),
		errors.Is(err, ErrUnknownAccount),
		errors.Is(err, ErrUnknownProperty),
		errors.Is(err, micloud.ErrSpecNotFound):
		code = codes.NotFound
	case errors.Is(err, ErrNotWritable):
		code = codes.InvalidArgument
	case errors.Is(err, ErrDeviceNotReady),
		errors.Is(err, ErrNoModel),
		errors.Is(err, micloud.ErrNotLoggedIn),
		errors.Is(err, miio.ErrSessionClosed):
		code = codes.FailedPrecondition
	case errors.Is(err, micloud.ErrAuth):
		code = codes.Unauthenticated
	case errors.Is(err, rate.ErrRateLimited):
		code = codes.ResourceExhausted
	case errors.Is(err, miio.ErrTransportTimeout),
		errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, miio.ErrProtocolDecode),
		errors.Is(err, miio.ErrHandshakeFailed),
		errors.Is(err, micloud.ErrRequestFailed):
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Errorf(code, "%s: %v", action, err)
}
