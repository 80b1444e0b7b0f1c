package main

import (
	"context"
	"strings"
	"sync"

	api "github.com/nixpig/buildworker/api/v1"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// streamNotifier delivers build messages as replies on a Dispatch stream.
// gRPC streams don't support concurrent sends, so sends are serialised.
type streamNotifier struct {
	stream api.BuildService_DispatchServer

	mu sync.Mutex
}

func newStreamNotifier(stream api.BuildService_DispatchServer) *streamNotifier {
	return &streamNotifier{stream: stream}
}

func (n *streamNotifier) Notify(_ context.Context, msg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	// Build output can contain anything; proto strings must be valid UTF-8.
	return n.stream.Send(wrapperspb.String(strings.ToValidUTF8(msg, "�")))
}
