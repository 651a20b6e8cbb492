// Package flight publishes guidance traces to an Arrow Flight endpoint.
package flight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/23skdu/longbow-guidance/internal/arrowio"
	"github.com/23skdu/longbow-guidance/internal/guidance"
	"github.com/23skdu/longbow-guidance/internal/logger"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultPort is the conventional trace collector port.
const DefaultPort = 3000

var ErrNotConnected = errors.New("client not connected, call Connect() first")

// Publisher buffers observed steps and ships them on Publish.
type Publisher interface {
	guidance.Observer
	Connect(ctx context.Context) error
	Publish(ctx context.Context) error
	Close() error
}

// TraceClient is a guidance.Observer that uploads traces with DoPut.
type TraceClient struct {
	addr    string
	path    string
	timeout time.Duration

	mu      sync.Mutex
	client  flight.Client
	entries []arrowio.TraceEntry
	step    int64
}

// NewTraceClient creates a client for addr. Traces go to descriptor path.
func NewTraceClient(addr, path string) *TraceClient {
	return &TraceClient{addr: addr, path: path, timeout: 30 * time.Second}
}

// Connect establishes the gRPC connection.
func (c *TraceClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(c.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	return nil
}

func (c *TraceClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// Observe copies the per-element values of res. The output tensor is not
// retained.
func (c *TraceClient) Observe(policy string, res *guidance.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, arrowio.TraceEntry{Step: c.step, Policy: policy, Result: snapshot(res)})
	c.step++
}

func snapshot(res *guidance.Result) *guidance.Result {
	cp := func(v []float64) []float64 {
		if v == nil {
			return nil
		}
		return append([]float64(nil), v...)
	}
	return &guidance.Result{Sigma: cp(res.Sigma), Scale: cp(res.Scale), Phi: cp(res.Phi), L2: cp(res.L2), Space: res.Space}
}

// Pending returns the number of buffered steps.
func (c *TraceClient) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Publish sends every buffered step as one record and clears the buffer on
// success.
func (c *TraceClient) Publish(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	entries := c.entries
	c.mu.Unlock()

	if client == nil {
		return ErrNotConnected
	}
	if len(entries) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	rec := arrowio.NewTraceRecord(memory.NewGoAllocator(), entries)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{c.path}})
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("DoPut failed: %w", err)
		}
	}

	c.mu.Lock()
	c.entries = c.entries[len(entries):]
	c.mu.Unlock()
	logger.Log.Debug("published guidance traces", "steps", len(entries), "rows", rec.NumRows(), "addr", c.addr)
	return nil
}
