package grpc

import (
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

func TestDialTarget(t *testing.T) {
	cases := []struct {
		server string
		target string
		tls    bool
	}{
		{"grpc://upstream:9000", "upstream:9000", false},
		{"grpcs://upstream:9443", "upstream:9443", true},
		{"dns:///upstream:9000", "upstream:9000", false},
		{"upstream:9000", "upstream:9000", false},
	}
	for _, c := range cases {
		target, useTLS := dialTarget(c.server)
		if target != c.target || useTLS != c.tls {
			t.Errorf("dialTarget(%q) = %q, %v; want %q, %v",
				c.server, target, useTLS, c.target, c.tls)
		}
	}
}

func writeDescriptorSet(t *testing.T) string {
	t.Helper()
	set := &descriptorpb.FileDescriptorSet{
		File: []*descriptorpb.FileDescriptorProto{{
			Name:    proto.String("ping.proto"),
			Package: proto.String("demo"),
			Syntax:  proto.String("proto3"),
			MessageType: []*descriptorpb.DescriptorProto{
				{Name: proto.String("PingRequest")},
				{Name: proto.String("PingReply")},
			},
			Service: []*descriptorpb.ServiceDescriptorProto{{
				Name: proto.String("Pinger"),
				Method: []*descriptorpb.MethodDescriptorProto{{
					Name:       proto.String("Ping"),
					InputType:  proto.String(".demo.PingRequest"),
					OutputType: proto.String(".demo.PingReply"),
				}},
			}},
		}},
	}
	raw, err := proto.Marshal(set)
	if err != nil {
		t.Fatalf("marshal descriptor set: %v", err)
	}
	path := filepath.Join(t.TempDir(), "ping.pb")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write descriptor set: %v", err)
	}
	return path
}

func TestLoadDescriptorSetRegistersServices(t *testing.T) {
	inv := New(false)
	path := writeDescriptorSet(t)
	if err := inv.LoadDescriptorSet(path); err != nil {
		t.Fatalf("LoadDescriptorSet: %v", err)
	}
	// Loading the same file again is a no-op, not a conflict.
	if err := inv.LoadDescriptorSet(path); err != nil {
		t.Fatalf("reload: %v", err)
	}

	desc, err := inv.files.FindDescriptorByName(protoreflect.FullName("demo.Pinger"))
	if err != nil {
		t.Fatalf("service not registered: %v", err)
	}
	sd, ok := desc.(protoreflect.ServiceDescriptor)
	if !ok {
		t.Fatalf("demo.Pinger is %T", desc)
	}
	if sd.Methods().ByName("Ping") == nil {
		t.Fatal("Ping method missing")
	}
}

func TestLoadDescriptorSetMissingFile(t *testing.T) {
	inv := New(false)
	if err := inv.LoadDescriptorSet(filepath.Join(t.TempDir(), "absent.pb")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
