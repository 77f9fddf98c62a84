// Package flight ships session embedding vectors to a Longbow store over
// Arrow Flight DoPut.
package flight

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	aflight "github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// DefaultPort is the Longbow data plane port.
const DefaultPort = 3000

// Exporter sends id-tagged embedding vectors to a vector store. Satisfied
// by Client and by the in-memory mock used in tests.
type Exporter interface {
	Connect(ctx context.Context) error
	Export(ctx context.Context, ids []string, vectors [][]float32) error
	Close() error
}

// Client is the Arrow Flight implementation of Exporter.
type Client struct {
	addr    string
	timeout time.Duration
	client  aflight.Client
}

// NewClient prepares a client for addr ("host:port"). No connection is made
// until Connect.
func NewClient(addr string) *Client {
	return &Client{
		addr:    addr,
		timeout: 30 * time.Second,
	}
}

// Connect dials the Flight endpoint. Plaintext gRPC: the data plane runs
// inside the trust boundary.
func (c *Client) Connect(ctx context.Context) error {
	client, err := aflight.NewClientWithMiddlewareCtx(ctx, c.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("flight connect %s: %w", c.addr, err)
	}
	c.client = client
	logger.Log.Debug("flight client connected", "addr", c.addr)
	return nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// schema builds the wire schema for a batch of dim-wide vectors:
// id: utf8, vector: fixed_size_list<float32>[dim].
func schema(dim int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.BinaryTypes.String},
		{Name: "vector", Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)},
	}, nil)
}

// Export writes one record batch of embeddings via DoPut. All vectors must
// share a dimension and ids must pair 1:1 with vectors.
func (c *Client) Export(ctx context.Context, ids []string, vectors [][]float32) error {
	if c.client == nil {
		return fmt.Errorf("flight export: not connected")
	}
	if len(vectors) == 0 {
		return fmt.Errorf("flight export: no vectors")
	}
	if len(ids) != len(vectors) {
		return fmt.Errorf("flight export: %d ids for %d vectors", len(ids), len(vectors))
	}
	dim := len(vectors[0])
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("flight export: vector %d has dimension %d, want %d", i, len(v), dim)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	rec := buildRecord(ids, vectors, dim)
	defer rec.Release()

	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("flight DoPut: %w", err)
	}

	wr := aflight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	wr.SetFlightDescriptor(&aflight.FlightDescriptor{
		Type: aflight.DescriptorPATH,
		Path: []string{"embeddings"},
	})
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("flight write: %w", err)
	}
	if err := wr.Close(); err != nil {
		return fmt.Errorf("flight writer close: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("flight stream close: %w", err)
	}

	metrics.EmbeddingsExportedTotal.Add(float64(len(vectors)))
	logger.Log.Debug("embeddings exported", "count", len(vectors), "dim", dim, "addr", c.addr)
	return nil
}

func buildRecord(ids []string, vectors [][]float32, dim int) arrow.Record {
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema(dim))
	defer b.Release()

	idB := b.Field(0).(*array.StringBuilder)
	vecB := b.Field(1).(*array.FixedSizeListBuilder)
	valB := vecB.ValueBuilder().(*array.Float32Builder)

	for i, vec := range vectors {
		idB.Append(ids[i])
		vecB.Append(true)
		valB.AppendValues(vec, nil)
	}
	return b.NewRecord()
}
