package engine

import (
	"github.com/totalorder/synod/internal/wireproto"
)

// RPCService exposes Submit over net/rpc, registered with the standard
// rpc.Register/rpc.HandleHTTP pattern. This is the network-facing half
// of spec §6's signalling channel: a remote client has no way to write
// into a process-local pipe, so cmd/node fronts it with this service
// and cmd/client dials in.
type RPCService struct {
	Engine *Engine
}

// SubmitArgs carries one client payload across the wire.
type SubmitArgs struct {
	Payload []byte
}

// SubmitReply mirrors wireproto.Outcome for net/rpc's gob encoding.
type SubmitReply struct {
	Status uint8
	Reason string
	Value  []byte
}

// Submit is the RPC entry point net/rpc dispatches to.
func (s *RPCService) Submit(args *SubmitArgs, reply *SubmitReply) error {
	out, err := s.Engine.Submit(wireproto.AppData{Kind: wireproto.CargoApp, Payload: args.Payload})
	if err != nil {
		return err
	}
	reply.Status = uint8(out.Status)
	reply.Reason = out.Reason
	reply.Value = out.Value
	return nil
}
