package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/burrow/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the gRPC service worker agents expose
	ServiceName = "burrow.agent.v1.PipeAgent"

	// PushPipeMetaMethod is the full method name of the metadata push
	PushPipeMetaMethod = "/" + ServiceName + "/PushPipeMeta"
)

// AgentServer is the server side of the pipe agent service
type AgentServer interface {
	// PushPipeMeta stores a pushed pipe definition. A pipe with status
	// dropped is a tombstone.
	PushPipeMeta(ctx context.Context, meta *structpb.Struct) (*structpb.Struct, error)
}

// RegisterAgentServer registers srv on s
func RegisterAgentServer(s grpc.ServiceRegistrar, srv AgentServer) {
	s.RegisterService(&agentServiceDesc, srv)
}

var agentServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "PushPipeMeta",
			Handler:    pushPipeMetaHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "burrow/agent/v1/agent.proto",
}

func pushPipeMetaHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServer).PushPipeMeta(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: PushPipeMetaMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AgentServer).PushPipeMeta(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// PipeMeta encodes a pipe as the push payload
func PipeMeta(p *types.Pipe) (*structpb.Struct, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// PipeFromMeta decodes a push payload
func PipeFromMeta(s *structpb.Struct) (*types.Pipe, error) {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return nil, err
	}
	var p types.Pipe
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, fmt.Errorf("pipe metadata without a name")
	}
	return &p, nil
}
