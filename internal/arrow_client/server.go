package arrow_client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/quarrel-decode/internal/metrics"
)

type storedSnapshot struct {
	schema *arrow.Schema
	recs   []arrow.Record
}

func (s *storedSnapshot) release() {
	for _, r := range s.recs {
		r.Release()
	}
}

// SnapshotServer is an in-memory Flight service holding cache snapshots
// keyed by session id. A DoPut for an existing id replaces it.
type SnapshotServer struct {
	flight.BaseFlightServer

	mu        sync.RWMutex
	snapshots map[string]*storedSnapshot
	mem       memory.Allocator
	server    flight.Server
}

func NewSnapshotServer() *SnapshotServer {
	return &SnapshotServer{
		snapshots: make(map[string]*storedSnapshot),
		mem:       memory.NewGoAllocator(),
	}
}

// Start listens on addr ("host:port", port 0 picks a free one) and serves
// in the background.
func (s *SnapshotServer) Start(addr string) error {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv.RegisterFlightService(s)
	s.server = srv
	go func() {
		if err := srv.Serve(); err != nil {
			flightLog().Error("Flight server stopped", "addr", addr, err)
		}
	}()
	flightLog().Info("Snapshot server listening", "addr", srv.Addr().String())
	return nil
}

func (s *SnapshotServer) Addr() string {
	if s.server == nil {
		return ""
	}
	return s.server.Addr().String()
}

func (s *SnapshotServer) Shutdown() {
	if s.server != nil {
		s.server.Shutdown()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, snap := range s.snapshots {
		snap.release()
		delete(s.snapshots, id)
	}
}

// Sessions lists the stored snapshot ids.
func (s *SnapshotServer) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.snapshots))
	for id := range s.snapshots {
		ids = append(ids, id)
	}
	return ids
}

func sessionFromDescriptor(desc *flight.FlightDescriptor) (string, error) {
	if desc == nil || desc.Type != flight.DescriptorPATH || len(desc.Path) != 2 || desc.Path[0] != DescriptorRoot || desc.Path[1] == "" {
		return "", status.Errorf(codes.InvalidArgument, "descriptor must be the path [%s, <session>]", DescriptorRoot)
	}
	return desc.Path[1], nil
}

func (s *SnapshotServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.mem))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "failed to read snapshot stream: %v", err)
	}
	defer reader.Release()

	id, err := sessionFromDescriptor(reader.LatestFlightDescriptor())
	if err != nil {
		return err
	}

	snap := &storedSnapshot{schema: reader.Schema()}
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		snap.recs = append(snap.recs, rec)
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		snap.release()
		return status.Errorf(codes.Internal, "snapshot stream failed: %v", err)
	}

	s.mu.Lock()
	if old, ok := s.snapshots[id]; ok {
		old.release()
	}
	s.snapshots[id] = snap
	s.mu.Unlock()

	headDim := 0
	if snap.schema.NumFields() == 5 {
		if lt, ok := snap.schema.Field(3).Type.(*arrow.FixedSizeListType); ok {
			headDim = int(lt.Len())
		}
	}
	bytes := snapshotBytes(snap.recs, headDim)
	metrics.RecordSnapshot("server_put", bytes)
	flightLog().Debug("Snapshot received", "session", id, "records", len(snap.recs), "bytes", bytes)
	return stream.Send(&flight.PutResult{AppMetadata: []byte(id)})
}

func (s *SnapshotServer) GetFlightInfo(ctx context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	id, err := sessionFromDescriptor(desc)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	snap, ok := s.snapshots[id]
	s.mu.RUnlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no snapshot for session %s", id)
	}

	var rows int64
	for _, r := range snap.recs {
		rows += r.NumRows()
	}
	return &flight.FlightInfo{
		Schema:           flight.SerializeSchema(snap.schema, s.mem),
		FlightDescriptor: desc,
		Endpoint:         []*flight.FlightEndpoint{{Ticket: &flight.Ticket{Ticket: []byte(id)}}},
		TotalRecords:     rows,
		TotalBytes:       -1,
	}, nil
}

func (s *SnapshotServer) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	id := string(tkt.GetTicket())
	s.mu.RLock()
	snap, ok := s.snapshots[id]
	if ok {
		for _, r := range snap.recs {
			r.Retain()
		}
	}
	s.mu.RUnlock()
	if !ok {
		return status.Errorf(codes.NotFound, "no snapshot for session %s", id)
	}
	defer snap.release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(snap.schema), ipc.WithAllocator(s.mem))
	for _, rec := range snap.recs {
		if err := w.Write(rec); err != nil {
			_ = w.Close()
			return status.Errorf(codes.Internal, "failed to send snapshot: %v", err)
		}
	}
	return w.Close()
}
