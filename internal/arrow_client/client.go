package arrow_client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/quarrel-decode/internal/kvcache"
	"github.com/23skdu/quarrel-decode/internal/logger"
	"github.com/23skdu/quarrel-decode/internal/metrics"
)

// PortData is the default Flight port.
const PortData = 3000

func flightLog() *logger.Logger { return logger.Log.With("flight") }

// SnapshotStore persists attention caches by session id.
type SnapshotStore interface {
	Connect(ctx context.Context) error
	PutSnapshot(ctx context.Context, s *kvcache.Session) error
	GetSnapshot(ctx context.Context, id string, layout SnapshotLayout) (*kvcache.Session, error)
	Close() error
}

// FlightClient is a SnapshotStore backed by a Flight server.
type FlightClient struct {
	client  flight.Client
	addr    string
	timeout time.Duration
	mem     memory.Allocator
}

func NewFlightClient(host string, port int) (*FlightClient, error) {
	if host == "" {
		return nil, errors.New("flight host is empty")
	}
	if port <= 0 {
		port = PortData
	}
	return &FlightClient{
		addr:    fmt.Sprintf("%s:%d", host, port),
		timeout: 30 * time.Second,
		mem:     memory.NewGoAllocator(),
	}, nil
}

func (fc *FlightClient) Addr() string { return fc.addr }

// Connect dials the Flight server. gRPC connects lazily, so a bad address
// surfaces on the first call.
func (fc *FlightClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := flight.NewClientWithMiddleware(fc.addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	flightLog().Debug("Flight client created", "addr", fc.addr)
	return nil
}

func (fc *FlightClient) Close() error {
	if fc.client != nil {
		err := fc.client.Close()
		fc.client = nil
		return err
	}
	return nil
}

func descriptor(id string) *flight.FlightDescriptor {
	return &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{DescriptorRoot, id},
	}
}

// PutSnapshot uploads every layer and head of s under s.ID.
func (fc *FlightClient) PutSnapshot(ctx context.Context, s *kvcache.Session) error {
	if fc.client == nil {
		return fmt.Errorf("client not connected, call Connect() first")
	}
	layout, err := LayoutOf(s)
	if err != nil {
		return err
	}
	recs, err := SessionRecords(fc.mem, s)
	if err != nil {
		return err
	}
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(SnapshotSchema(layout.HeadDim)), ipc.WithAllocator(fc.mem))
	w.SetFlightDescriptor(descriptor(s.ID))
	for _, rec := range recs {
		if err := w.Write(rec); err != nil {
			_ = w.Close()
			return fmt.Errorf("failed to write snapshot record: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to finish DoPut: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("DoPut rejected: %w", err)
		}
	}

	bytes := snapshotBytes(recs, layout.HeadDim)
	metrics.RecordSnapshot("put", bytes)
	flightLog().Info("Snapshot stored", "session", s.ID, "positions", s.Positions(), "records", len(recs), "bytes", bytes, "addr", fc.addr)
	return nil
}

// GetSnapshot downloads the snapshot stored under id and restores it into a
// new session shaped by layout.
func (fc *FlightClient) GetSnapshot(ctx context.Context, id string, layout SnapshotLayout) (*kvcache.Session, error) {
	if fc.client == nil {
		return nil, fmt.Errorf("client not connected, call Connect() first")
	}
	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	info, err := fc.client.GetFlightInfo(ctx, descriptor(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get flight info for %s: %w", id, err)
	}
	if len(info.Endpoint) == 0 {
		return nil, fmt.Errorf("snapshot %s has no endpoint", id)
	}

	stream, err := fc.client.DoGet(ctx, info.Endpoint[0].Ticket)
	if err != nil {
		return nil, fmt.Errorf("failed to open DoGet stream: %w", err)
	}
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(fc.mem))
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot stream: %w", err)
	}
	defer reader.Release()

	var recs []arrow.Record
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		recs = append(recs, rec)
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("snapshot stream failed: %w", err)
	}

	s, err := RestoreSession(id, layout, recs)
	if err != nil {
		return nil, err
	}
	bytes := snapshotBytes(recs, layout.HeadDim)
	metrics.RecordSnapshot("get", bytes)
	flightLog().Info("Snapshot restored", "session", id, "positions", s.Positions(), "records", len(recs), "bytes", bytes)
	return s, nil
}
