package grpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	rpb "google.golang.org/grpc/reflection/grpc_reflection_v1alpha"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

// descriptorCache memoizes reflection lookups per upstream server.
type descriptorCache struct {
	mu      sync.Mutex
	servers map[string]*serverDescriptors
	ttl     time.Duration
}

type serverDescriptors struct {
	services  map[string]protoreflect.ServiceDescriptor
	expiresAt time.Time
}

func newDescriptorCache() *descriptorCache {
	return &descriptorCache{
		servers: make(map[string]*serverDescriptors),
		ttl:     5 * time.Minute,
	}
}

// serviceDescriptor resolves one service through reflection, refreshing
// the per-server snapshot when it has expired.
func (dc *descriptorCache) serviceDescriptor(ctx context.Context, conn *grpc.ClientConn, server, serviceName string) (protoreflect.ServiceDescriptor, error) {
	dc.mu.Lock()
	cached, ok := dc.servers[server]
	dc.mu.Unlock()
	if ok && time.Now().Before(cached.expiresAt) {
		if sd, exists := cached.services[serviceName]; exists {
			return sd, nil
		}
	}

	services, err := fetchServices(ctx, conn)
	if err != nil {
		return nil, err
	}
	dc.mu.Lock()
	dc.servers[server] = &serverDescriptors{
		services:  services,
		expiresAt: time.Now().Add(dc.ttl),
	}
	dc.mu.Unlock()

	if sd, exists := services[serviceName]; exists {
		return sd, nil
	}
	return nil, fmt.Errorf("grpc: service %s not exposed by %s", serviceName, server)
}

// fetchServices lists the upstream's services and builds descriptors
// from the file-descriptor protos reflection returns.
func fetchServices(ctx context.Context, conn *grpc.ClientConn) (map[string]protoreflect.ServiceDescriptor, error) {
	client := rpb.NewServerReflectionClient(conn)
	stream, err := client.ServerReflectionInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("grpc: reflection stream: %w", err)
	}
	defer stream.CloseSend()

	if err := stream.Send(&rpb.ServerReflectionRequest{
		MessageRequest: &rpb.ServerReflectionRequest_ListServices{},
	}); err != nil {
		return nil, fmt.Errorf("grpc: reflection list: %w", err)
	}
	resp, err := stream.Recv()
	if err != nil {
		return nil, fmt.Errorf("grpc: reflection list: %w", err)
	}
	listResp, ok := resp.MessageResponse.(*rpb.ServerReflectionResponse_ListServicesResponse)
	if !ok {
		return nil, fmt.Errorf("grpc: unexpected reflection response")
	}

	seen := make(map[string]bool)
	var fdProtos []*descriptorpb.FileDescriptorProto
	for _, svc := range listResp.ListServicesResponse.Service {
		if svc.Name == "grpc.reflection.v1.ServerReflection" || svc.Name == "grpc.reflection.v1alpha.ServerReflection" {
			continue
		}
		if err := stream.Send(&rpb.ServerReflectionRequest{
			MessageRequest: &rpb.ServerReflectionRequest_FileContainingSymbol{
				FileContainingSymbol: svc.Name,
			},
		}); err != nil {
			return nil, fmt.Errorf("grpc: reflection symbol %s: %w", svc.Name, err)
		}
		resp, err := stream.Recv()
		if err != nil {
			return nil, fmt.Errorf("grpc: reflection symbol %s: %w", svc.Name, err)
		}
		fdResp, ok := resp.MessageResponse.(*rpb.ServerReflectionResponse_FileDescriptorResponse)
		if !ok {
			continue
		}
		for _, raw := range fdResp.FileDescriptorResponse.FileDescriptorProto {
			fd := &descriptorpb.FileDescriptorProto{}
			if err := proto.Unmarshal(raw, fd); err != nil {
				continue
			}
			if !seen[fd.GetName()] {
				seen[fd.GetName()] = true
				fdProtos = append(fdProtos, fd)
			}
		}
	}

	files, err := protodesc.NewFiles(&descriptorpb.FileDescriptorSet{File: fdProtos})
	if err != nil {
		return nil, fmt.Errorf("grpc: reflection descriptors: %w", err)
	}
	services := make(map[string]protoreflect.ServiceDescriptor)
	files.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		for i := 0; i < fd.Services().Len(); i++ {
			sd := fd.Services().Get(i)
			services[string(sd.FullName())] = sd
		}
		return true
	})
	return services, nil
}
