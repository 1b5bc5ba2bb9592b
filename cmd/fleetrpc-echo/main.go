// Command fleetrpc-echo is a runnable hub+node pair demonstrating both
// transport orientations in one process: the hub listens, the node dials
// out and polls, and the hub calls the node's "count_bytes" service back
// over that same reversed connection (spec §4.5, §4.7, §8.5).
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/fleetrpc/fleetrpc"
	"github.com/fleetrpc/fleetrpc/internal/wire"
	"github.com/fleetrpc/fleetrpc/pkg/serializer"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fleetrpc-echo: %v", err)
	}
}

func run() error {
	hubID, err := fleetrpc.GenerateSelfSigned("fleetrpc-echo-hub", 24*time.Hour)
	if err != nil {
		return fmt.Errorf("generating hub identity: %w", err)
	}
	nodeID, err := fleetrpc.GenerateSelfSigned("fleetrpc-echo-node", 24*time.Hour)
	if err != nil {
		return fmt.Errorf("generating node identity: %w", err)
	}

	hub := fleetrpc.New(hubID, fleetrpc.DefaultConfig())
	hub.Trust(nodeID.Thumbprint())
	defer func() { _ = hub.Shutdown(context.Background()) }()

	port, err := hub.Listen()
	if err != nil {
		return fmt.Errorf("hub listen: %w", err)
	}
	hubAddr := fmt.Sprintf("tls://127.0.0.1:%d", port)

	node := fleetrpc.New(nodeID, fleetrpc.DefaultConfig())
	node.Trust(hubID.Thumbprint())
	defer func() { _ = node.Shutdown(context.Background()) }()

	node.Register("echo", "count_bytes", []reflect.Type{nil}, countBytesHandler)

	subscriptionID := uuid.NewString()
	node.Poll(subscriptionID, hubAddr)

	payload := make([]byte, 1<<20+15) // matches spec §8.5's stream round-trip size class
	if _, err := rand.Read(payload); err != nil {
		return fmt.Errorf("generating payload: %w", err)
	}

	sink := wire.NewProgressSink(0)
	wire.WatchProgress(sink, func(percent int) {
		if percent == 100 || percent%25 == 0 {
			fmt.Printf("upload progress: %d%%\n", percent)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ep, err := fleetrpc.ParseEndpoint(fmt.Sprintf("poll://%s", subscriptionID), nodeID.Thumbprint())
	if err != nil {
		return fmt.Errorf("parsing poll endpoint: %w", err)
	}

	var result *fleetrpc.Result
	deadline := time.Now().Add(5 * time.Second)
	for {
		result, err = hub.Do(ctx, ep, fleetrpc.Call{
			Service: "echo",
			Method:  "count_bytes",
			Attachments: []fleetrpc.Attachment{{
				ID:       "data",
				Length:   int64(len(payload)),
				Reader:   bytes.NewReader(payload),
				Progress: sink,
			}},
		})
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("calling node over poll queue: %w", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	defer result.Close()

	ser := serializer.NewCBOR()
	var count int64
	if err := ser.UnmarshalResult(result.Value, &count); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}

	fmt.Printf("node counted %d bytes (sent %d)\n", count, len(payload))
	return nil
}

func countBytesHandler(args []any) (any, error) {
	attachments, _ := args[len(args)-1].([]*wire.StreamReader)
	var total int64
	for _, a := range attachments {
		n, err := io.Copy(io.Discard, a)
		if err != nil {
			return nil, err
		}
		total += n
	}
	return total, nil
}
