// Package structrpc serves unary gRPC methods whose request and response
// are both google.protobuf.Struct. Service descriptors are built at runtime
// and registered globally so server reflection and grpcurl can see them.
package structrpc

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/builder"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/known/structpb"
)

// Handler serves one method.
type Handler func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

type Method struct {
	Name    string
	Handler Handler
}

// Service is a fully qualified service name (package.Service) and its methods.
type Service struct {
	Name    string
	Methods []Method
}

func (s Service) split() (pkg, name string, err error) {
	idx := strings.LastIndex(s.Name, ".")
	if idx <= 0 || idx == len(s.Name)-1 {
		return "", "", fmt.Errorf("service name %q is not package qualified", s.Name)
	}
	return s.Name[:idx], s.Name[idx+1:], nil
}

// FileName is the synthetic proto file path that holds the service.
func (s Service) FileName() string {
	return strings.ReplaceAll(s.Name, ".", "/") + ".proto"
}

var registerMu sync.Mutex

// Register publishes the service descriptor and registers the handlers.
func Register(server grpc.ServiceRegistrar, svc Service) error {
	if len(svc.Methods) == 0 {
		return fmt.Errorf("service %s has no methods", svc.Name)
	}
	if err := publishDescriptor(svc); err != nil {
		return err
	}
	server.RegisterService(ServiceDesc(svc), struct{}{})
	return nil
}

// ServiceDesc returns the grpc descriptor for svc. Handlers accept any
// implementation value.
func ServiceDesc(svc Service) *grpc.ServiceDesc {
	sd := &grpc.ServiceDesc{
		ServiceName: svc.Name,
		HandlerType: (*any)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    svc.FileName(),
	}
	for _, m := range svc.Methods {
		sd.Methods = append(sd.Methods, grpc.MethodDesc{
			MethodName: m.Name,
			Handler:    unaryHandler("/"+svc.Name+"/"+m.Name, m.Handler),
		})
	}
	return sd
}

func unaryHandler(fullMethod string, h Handler) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return h(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return h(ctx, req.(*structpb.Struct))
		})
	}
}

// Descriptor builds the file descriptor declaring svc.
func Descriptor(svc Service) (*desc.FileDescriptor, error) {
	pkg, name, err := svc.split()
	if err != nil {
		return nil, err
	}
	structMsg, err := desc.LoadMessageDescriptorForMessage(&structpb.Struct{})
	if err != nil {
		return nil, fmt.Errorf("load struct descriptor: %w", err)
	}

	sb := builder.NewService(name)
	for _, m := range svc.Methods {
		sb.AddMethod(builder.NewMethod(m.Name,
			builder.RpcTypeImportedMessage(structMsg, false),
			builder.RpcTypeImportedMessage(structMsg, false)))
	}
	fb := builder.NewFile(svc.FileName()).
		SetPackageName(pkg).
		SetProto3(true).
		AddService(sb)

	fd, err := fb.Build()
	if err != nil {
		return nil, fmt.Errorf("build %s descriptor: %w", svc.Name, err)
	}
	return fd, nil
}

func publishDescriptor(svc Service) error {
	registerMu.Lock()
	defer registerMu.Unlock()

	if _, err := protoregistry.GlobalFiles.FindFileByPath(svc.FileName()); err == nil {
		return nil
	}
	fd, err := Descriptor(svc)
	if err != nil {
		return err
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd.UnwrapFile()); err != nil {
		return fmt.Errorf("register %s descriptor: %w", svc.Name, err)
	}
	return nil
}

// Fields is a convenience for building responses from plain Go values.
// Values must be accepted by structpb.NewValue.
func Fields(m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return out, nil
}
