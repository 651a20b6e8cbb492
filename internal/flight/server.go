package flight

import (
	"fmt"
	"strings"
	"sync"

	"github.com/23skdu/longbow-guidance/internal/arrowio"
	"github.com/23skdu/longbow-guidance/internal/logger"
	"github.com/apache/arrow-go/v18/arrow/flight"
)

// Collector is a Flight service that accepts trace uploads and keeps them in
// memory, keyed by descriptor path.
type Collector struct {
	flight.BaseFlightServer

	mu     sync.RWMutex
	traces map[string][]arrowio.TraceEntry
}

func NewCollector() *Collector {
	return &Collector{traces: make(map[string][]arrowio.TraceEntry)}
}

func (c *Collector) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return fmt.Errorf("failed to open record reader: %w", err)
	}
	defer rdr.Release()

	key := "default"
	if desc := rdr.LatestFlightDescriptor(); desc != nil && len(desc.Path) > 0 {
		key = strings.Join(desc.Path, "/")
	}

	var received []arrowio.TraceEntry
	for rdr.Next() {
		entries, err := arrowio.DecodeTraceRecord(rdr.RecordBatch())
		if err != nil {
			return err
		}
		received = append(received, entries...)
	}
	if err := rdr.Err(); err != nil {
		return fmt.Errorf("failed to read traces: %w", err)
	}

	c.mu.Lock()
	c.traces[key] = append(c.traces[key], received...)
	c.mu.Unlock()
	logger.Log.Info("received guidance traces", "path", key, "steps", len(received))
	return nil
}

// Traces returns the entries received for path.
func (c *Collector) Traces(path string) []arrowio.TraceEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]arrowio.TraceEntry(nil), c.traces[path]...)
}

// NewServer returns a Flight server bound to addr serving c. The caller
// runs Serve and Shutdown.
func NewServer(addr string, c *Collector) (flight.Server, error) {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv.RegisterFlightService(c)
	return srv, nil
}
