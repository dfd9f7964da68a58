// Command client is a small load generator against a running node's
// net/rpc submission endpoint: it issues a configurable number of KV
// put/get requests at a configurable outstanding-request concurrency,
// using golang.org/x/sync/semaphore to cap outstanding requests.
package main

import (
	"context"
	"fmt"
	"log"
	"net/rpc"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"

	"github.com/totalorder/synod/internal/app"
	"github.com/totalorder/synod/internal/engine"
)

var (
	addr        string
	op          string
	key         uint64
	value       uint64
	count       int
	outstanding int64
)

func main() {
	root := &cobra.Command{
		Use:   "client",
		Short: "Issue KV requests against a running node",
		RunE:  run,
	}
	root.Flags().StringVar(&addr, "addr", "localhost:7070", "node RPC address")
	root.Flags().StringVar(&op, "op", "put", "operation: put, get, or putblind")
	root.Flags().Uint64Var(&key, "key", 0, "key")
	root.Flags().Uint64Var(&value, "value", 0, "value (put only)")
	root.Flags().IntVar(&count, "count", 1, "number of requests to issue")
	root.Flags().Int64Var(&outstanding, "outstanding", 1, "max outstanding requests")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	var cmdOp app.Op
	switch op {
	case "put":
		cmdOp = app.OpPut
	case "get":
		cmdOp = app.OpGet
	case "putblind":
		cmdOp = app.OpPutBlind
	default:
		return fmt.Errorf("unknown op %q", op)
	}

	var client *rpc.Client
	var err error
	for attempt := 0; attempt < 10; attempt++ {
		client, err = rpc.DialHTTP("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer client.Close()

	sema := semaphore.NewWeighted(outstanding)
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		if err := sema.Acquire(context.Background(), 1); err != nil {
			return err
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sema.Release(1)
			issue(client, cmdOp, key+uint64(i), value)
		}(i)
	}
	wg.Wait()
	return nil
}

func issue(client *rpc.Client, op app.Op, key, value uint64) {
	payload := app.Command{Op: op, Key: key, Value: value}.Marshal()
	args := &engine.SubmitArgs{Payload: payload}
	reply := &engine.SubmitReply{}
	if err := client.Call("RPCService.Submit", args, reply); err != nil {
		log.Printf("request for key %d failed: %v", key, err)
		return
	}
	if reply.Status != 0 {
		log.Printf("request for key %d rejected: %s", key, reply.Reason)
		return
	}
	log.Printf("key %d acknowledged", key)
}
