package cmd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/bridge/internal/worker"
)

// builtinLibrary is what 'bridge call' runs against.
func builtinLibrary() *worker.Library {
	lib := worker.NewLibrary()

	lib.Register("math", "add", func(s *worker.Scope, args worker.Args) (any, error) {
		var total float64
		for i := range args.Len() {
			var n float64
			if err := args.Decode(i, &n); err != nil {
				return nil, err
			}
			total += n
		}
		return total, nil
	})
	lib.Register("math", "fib", func(s *worker.Scope, args worker.Args) (any, error) {
		var n int
		if err := args.Decode(0, &n); err != nil {
			return nil, err
		}
		if n < 0 || n > 92 {
			return nil, fmt.Errorf("fib(%d): n must be in [0, 92]", n)
		}
		a, b := uint64(0), uint64(1)
		for range n {
			a, b = b, a+b
		}
		return a, nil
	})

	lib.Register("text", "upper", func(s *worker.Scope, args worker.Args) (any, error) {
		var v string
		if err := args.Decode(0, &v); err != nil {
			return nil, err
		}
		return strings.ToUpper(v), nil
	})
	lib.Register("text", "sha256", func(s *worker.Scope, args worker.Args) (any, error) {
		var v string
		if err := args.Decode(0, &v); err != nil {
			return nil, err
		}
		sum := sha256.Sum256([]byte(v))
		return hex.EncodeToString(sum[:]), nil
	})

	lib.Register("sys", "sleep", func(s *worker.Scope, args worker.Args) (any, error) {
		var ms int
		if err := args.Decode(0, &ms); err != nil {
			return nil, err
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return ms, nil
		case <-s.Context().Done():
			return nil, context.Cause(s.Context())
		}
	})
	lib.Register("sys", "worker", func(s *worker.Scope, args worker.Args) (any, error) {
		return s.WorkerID(), nil
	})
	lib.Register("sys", "panic", func(s *worker.Scope, args worker.Args) (any, error) {
		panic("requested by caller")
	})

	return lib
}
