package worker

import (
	"encoding/json"
	"fmt"

	"github.com/Iron-Ham/bridge/internal/wire"
)

// Operations carried by requests from host to worker.
const (
	opCall    = "call"
	opNew     = "new"
	opFactory = "factory"
	opInvoke  = "invoke"
	opRelease = "release"
)

// request is the body of a host-to-worker message.
type request struct {
	Op     string `json:"op"`
	Target string `json:"target,omitempty"`
	Object uint64 `json:"object,omitempty"`
	Method string `json:"method,omitempty"`
	Args   Args   `json:"args,omitempty"`
}

// response is the body of a successful reply.
type response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Object uint64          `json:"object,omitempty"`
}

// exitNotice is sent by a crashing worker just before its link closes.
type exitNotice struct {
	Exit  int    `json:"exit"`
	Error string `json:"error"`
	Stack string `json:"stack,omitempty"`
}

func encodeArgs(args []any) (Args, error) {
	out := make(Args, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}

func decodeRequest(msg *wire.Message) (*request, error) {
	var req request
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}
