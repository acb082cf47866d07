// Package grpc dispatches to gRPC upstreams through dynamic messages.
// Method schemas come from registered descriptor-set files, or from
// server reflection when that is enabled.
package grpc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/doorman-project/doorman/internal/model"
	"github.com/doorman-project/doorman/internal/proxy/protocol"
)

// request is the JSON body shape for gRPC dispatch.
type request struct {
	Method  string          `json:"method"` // "Service.Method" or "pkg.Service/Method"
	Message json.RawMessage `json:"message"`
}

// Invoker resolves methods against loaded descriptors and performs
// unary calls with dynamic messages.
type Invoker struct {
	reflectionEnabled bool

	mu      sync.Mutex
	files   *protoregistry.Files
	conns   map[string]*grpc.ClientConn
	remotes *descriptorCache

	marshalOpts   protojson.MarshalOptions
	unmarshalOpts protojson.UnmarshalOptions
}

// New creates a gRPC invoker. Reflection resolution is opt-in.
func New(reflectionEnabled bool) *Invoker {
	return &Invoker{
		reflectionEnabled: reflectionEnabled,
		files:             new(protoregistry.Files),
		conns:             make(map[string]*grpc.ClientConn),
		remotes:           newDescriptorCache(),
		marshalOpts:       protojson.MarshalOptions{UseProtoNames: true},
		unmarshalOpts:     protojson.UnmarshalOptions{DiscardUnknown: true},
	}
}

// LoadDescriptorSet registers every file of a compiled descriptor set
// (protoc --descriptor_set_out).
func (i *Invoker) LoadDescriptorSet(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("grpc: descriptor set %s: %w", path, err)
	}
	var set descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(data, &set); err != nil {
		return fmt.Errorf("grpc: descriptor set %s: %w", path, err)
	}
	files, err := protodesc.NewFiles(&set)
	if err != nil {
		return fmt.Errorf("grpc: descriptor set %s: %w", path, err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	var regErr error
	files.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		if _, err := i.files.FindFileByPath(fd.Path()); err == nil {
			return true
		}
		if err := i.files.RegisterFile(fd); err != nil {
			regErr = err
			return false
		}
		return true
	})
	return regErr
}

func (i *Invoker) Invoke(ctx context.Context, server string, api *model.API, _ *model.Endpoint, req *protocol.Request) (*protocol.Response, error) {
	var body request
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return nil, fmt.Errorf("grpc: invalid request body: %w", err)
	}
	if body.Method == "" {
		return nil, fmt.Errorf("grpc: missing method field")
	}
	serviceName, methodName, err := splitMethod(body.Method, api.GRPCPackage)
	if err != nil {
		return nil, err
	}

	conn, err := i.conn(server)
	if err != nil {
		return nil, err
	}

	md, err := i.resolveMethod(ctx, conn, server, serviceName, methodName)
	if err != nil {
		return nil, err
	}

	in := dynamicpb.NewMessage(md.Input())
	if len(body.Message) > 0 {
		if err := i.unmarshalOpts.Unmarshal(body.Message, in); err != nil {
			return nil, fmt.Errorf("grpc: invalid message: %w", err)
		}
	}
	out := dynamicpb.NewMessage(md.Output())

	fullMethod := fmt.Sprintf("/%s/%s", md.Parent().FullName(), md.Name())
	if err := conn.Invoke(ctx, fullMethod, in, out); err != nil {
		st, ok := status.FromError(err)
		if !ok {
			return nil, err
		}
		payload, _ := json.Marshal(map[string]any{
			"code":    st.Code().String(),
			"message": st.Message(),
		})
		return &protocol.Response{
			Status: httpStatus(st.Code()),
			Header: http.Header{"Content-Type": []string{"application/json"}},
			Body:   payload,
		}, nil
	}

	respBody, err := i.marshalOpts.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("grpc: response marshal failed: %w", err)
	}
	return &protocol.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   respBody,
	}, nil
}

// resolveMethod looks up a method in the loaded descriptors, falling
// back to server reflection when enabled.
func (i *Invoker) resolveMethod(ctx context.Context, conn *grpc.ClientConn, server, serviceName, methodName string) (protoreflect.MethodDescriptor, error) {
	i.mu.Lock()
	desc, err := i.files.FindDescriptorByName(protoreflect.FullName(serviceName))
	i.mu.Unlock()

	if err == nil {
		sd, ok := desc.(protoreflect.ServiceDescriptor)
		if !ok {
			return nil, fmt.Errorf("grpc: %s is not a service", serviceName)
		}
		if md := sd.Methods().ByName(protoreflect.Name(methodName)); md != nil {
			return md, nil
		}
		return nil, fmt.Errorf("grpc: method %s not found in %s", methodName, serviceName)
	}

	if !i.reflectionEnabled {
		return nil, fmt.Errorf("grpc: service %s not registered and reflection is disabled", serviceName)
	}
	sd, err := i.remotes.serviceDescriptor(ctx, conn, server, serviceName)
	if err != nil {
		return nil, err
	}
	if md := sd.Methods().ByName(protoreflect.Name(methodName)); md != nil {
		return md, nil
	}
	return nil, fmt.Errorf("grpc: method %s not found in %s", methodName, serviceName)
}

// dialTarget strips the gateway URL scheme off a server address and
// reports whether the connection needs TLS. Bare host:port and
// dns:/// targets dial plaintext.
func dialTarget(server string) (string, bool) {
	switch {
	case strings.HasPrefix(server, "grpcs://"):
		return strings.TrimPrefix(server, "grpcs://"), true
	case strings.HasPrefix(server, "grpc://"):
		return strings.TrimPrefix(server, "grpc://"), false
	}
	return strings.TrimPrefix(server, "dns:///"), false
}

// conn returns a pooled client connection for a server address.
// grpcs:// servers get TLS transport credentials.
func (i *Invoker) conn(server string) (*grpc.ClientConn, error) {
	target, useTLS := dialTarget(server)
	i.mu.Lock()
	defer i.mu.Unlock()
	if c, ok := i.conns[server]; ok {
		return c, nil
	}
	creds := insecure.NewCredentials()
	if useTLS {
		creds = credentials.NewTLS(&tls.Config{})
	}
	c, err := grpc.NewClient(target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("grpc: dial %s: %w", target, err)
	}
	i.conns[server] = c
	return c, nil
}

// Close releases pooled connections.
func (i *Invoker) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, c := range i.conns {
		c.Close()
	}
	i.conns = make(map[string]*grpc.ClientConn)
	return nil
}

// splitMethod accepts "Service.Method", "pkg.Service/Method", and
// "pkg.Service.Method", qualifying bare service names with pkg.
func splitMethod(method, pkg string) (service, name string, err error) {
	if i := strings.LastIndexByte(method, '/'); i >= 0 {
		service, name = method[:i], method[i+1:]
	} else if i := strings.LastIndexByte(method, '.'); i >= 0 {
		service, name = method[:i], method[i+1:]
	} else {
		return "", "", fmt.Errorf("grpc: malformed method %q", method)
	}
	if service == "" || name == "" {
		return "", "", fmt.Errorf("grpc: malformed method %q", method)
	}
	if !strings.Contains(service, ".") && pkg != "" {
		service = pkg + "." + service
	}
	return service, name, nil
}
