package embedsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-volley/internal/logger"
	"github.com/23skdu/longbow-volley/internal/sequence"
)

// PortData is the default Flight port for embedding records.
const PortData = 3000

var ErrNotConnected = errors.New("flight client not connected")

// FlightSource fetches overlays with DoGet. The ticket is the decimal
// sequence id.
type FlightSource struct {
	addr    string
	hidden  int
	timeout time.Duration
	client  flight.Client
}

func NewFlightSource(host string, port, hidden int) *FlightSource {
	if port <= 0 {
		port = PortData
	}
	return &FlightSource{
		addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		hidden:  hidden,
		timeout: 30 * time.Second,
	}
}

// Connect dials the server. The connection is established lazily by grpc.
func (fs *FlightSource) Connect() error {
	client, err := flight.NewClientWithMiddleware(fs.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fs.client = client
	return nil
}

func (fs *FlightSource) Close() error {
	if fs.client != nil {
		err := fs.client.Close()
		fs.client = nil
		return err
	}
	return nil
}

func (fs *FlightSource) Fetch(ctx context.Context, seqID int64) ([]sequence.Overlay[float32], error) {
	if fs.client == nil {
		return nil, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, fs.timeout)
	defer cancel()

	stream, err := fs.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(strconv.FormatInt(seqID, 10))})
	if err != nil {
		return nil, fmt.Errorf("DoGet sequence %d: %w", seqID, err)
	}
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("open stream for sequence %d: %w", seqID, err)
	}
	defer rdr.Release()

	var c collector
	for rdr.Next() {
		if err := c.add(rdr.Record(), fs.hidden); err != nil {
			return nil, err
		}
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read stream for sequence %d: %w", seqID, err)
	}
	all, err := c.overlays()
	if err != nil {
		return nil, err
	}
	return all[seqID], nil
}

// Server serves a Source over Flight DoGet.
type Server struct {
	srv    flight.Server
	hidden int
}

type flightService struct {
	flight.BaseFlightServer
	src    Source
	hidden int
}

func (s *flightService) DoGet(tkt *flight.Ticket, fs flight.FlightService_DoGetServer) error {
	id, err := strconv.ParseInt(string(tkt.GetTicket()), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid ticket %q: %w", tkt.GetTicket(), err)
	}
	ovs, err := s.src.Fetch(fs.Context(), id)
	if err != nil {
		return err
	}

	mem := memory.NewGoAllocator()
	w := flight.NewRecordWriter(fs, ipc.WithSchema(Schema(s.hidden)), ipc.WithAllocator(mem))
	defer w.Close()
	if len(ovs) == 0 {
		return nil
	}
	rec, err := NewRecord(mem, s.hidden, id, ovs)
	if err != nil {
		return err
	}
	defer rec.Release()
	return w.Write(rec)
}

// NewServer listens on addr ("host:port", port 0 picks a free one).
func NewServer(addr string, src Source, hidden int) (*Server, error) {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	srv.RegisterFlightService(&flightService{src: src, hidden: hidden})
	return &Server{srv: srv, hidden: hidden}, nil
}

func (s *Server) Addr() net.Addr {
	return s.srv.Addr()
}

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	logger.Log.Info("embedding flight server listening", "addr", s.srv.Addr().String(), "hidden", s.hidden)
	return s.srv.Serve()
}

func (s *Server) Shutdown() {
	s.srv.Shutdown()
}
