package embedsource

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-volley/internal/dtype"
	"github.com/23skdu/longbow-volley/internal/sequence"
)

const hidden = 3

func overlay(begin, end int) sequence.Overlay[float32] {
	o := sequence.Overlay[float32]{Range: sequence.Range{Begin: begin, End: end}}
	for p := begin; p < end; p++ {
		for c := 0; c < hidden; c++ {
			o.Data = append(o.Data, float32(p)+float32(c)/10)
		}
	}
	return o
}

func TestIPCRoundTrip(t *testing.T) {
	in := map[int64][]sequence.Overlay[float32]{
		7:  {overlay(0, 2), overlay(5, 9)},
		42: {overlay(3, 4)},
	}
	var buf bytes.Buffer
	if err := Encode(&buf, hidden, in); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(&buf, hidden)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestAdjacentOverlaysMerge(t *testing.T) {
	var buf bytes.Buffer
	in := map[int64][]sequence.Overlay[float32]{1: {overlay(2, 4), overlay(4, 6)}}
	if err := Encode(&buf, hidden, in); err != nil {
		t.Fatal(err)
	}
	out, err := Decode(&buf, hidden)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]sequence.Overlay[float32]{overlay(2, 6)}, out[1]); diff != "" {
		t.Errorf("merge mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeErrors(t *testing.T) {
	t.Run("width mismatch", func(t *testing.T) {
		var buf bytes.Buffer
		if err := Encode(&buf, hidden, map[int64][]sequence.Overlay[float32]{1: {overlay(0, 1)}}); err != nil {
			t.Fatal(err)
		}
		if _, err := Decode(&buf, hidden+1); !errors.Is(err, ErrSchema) {
			t.Errorf("expected ErrSchema, got %v", err)
		}
	})
	t.Run("duplicate position", func(t *testing.T) {
		var buf bytes.Buffer
		if err := Encode(&buf, hidden, map[int64][]sequence.Overlay[float32]{1: {overlay(0, 2), overlay(1, 3)}}); err != nil {
			t.Fatal(err)
		}
		if _, err := Decode(&buf, hidden); err == nil {
			t.Error("expected an error for a duplicate position")
		}
	})
	t.Run("not a stream", func(t *testing.T) {
		if _, err := Decode(bytes.NewReader([]byte("nope")), hidden); err == nil {
			t.Error("expected an error for garbage input")
		}
	})
}

func TestEncodeShortData(t *testing.T) {
	bad := overlay(0, 2)
	bad.Data = bad.Data[:hidden]
	var buf bytes.Buffer
	if err := Encode(&buf, hidden, map[int64][]sequence.Overlay[float32]{1: {bad}}); err == nil {
		t.Error("expected an error for short overlay data")
	}
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	m.Put(3, []sequence.Overlay[float32]{overlay(1, 2)})
	got, err := m.Fetch(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Range != (sequence.Range{Begin: 1, End: 2}) {
		t.Errorf("unexpected overlays %v", got)
	}
	if got, _ := m.Fetch(context.Background(), 4); got != nil {
		t.Errorf("unknown sequence returned %v", got)
	}
	if len(m.Snapshot()) != 1 {
		t.Error("snapshot lost data")
	}
	m.Reset()
	if len(m.Snapshot()) != 0 {
		t.Error("reset kept data")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Fetch(ctx, 3); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestAttach(t *testing.T) {
	m := NewMemory()
	m.Put(1, []sequence.Overlay[float32]{overlay(0, 2)})
	seqs := []*sequence.Sequence[dtype.Half]{{ID: 1}, {ID: 2}}

	if err := Attach(context.Background(), m, hidden, seqs); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if len(seqs[0].Embeddings) != 1 || len(seqs[1].Embeddings) != 0 {
		t.Fatalf("unexpected overlays %d and %d", len(seqs[0].Embeddings), len(seqs[1].Embeddings))
	}
	got := make([]float32, len(seqs[0].Embeddings[0].Data))
	dtype.ToFloat32(got, seqs[0].Embeddings[0].Data)
	want := overlay(0, 2).Data
	for i := range want {
		if d := got[i] - want[i]; d > 1e-3 || d < -1e-3 {
			t.Errorf("value %d = %v, want %v", i, got[i], want[i])
		}
	}

	bad := overlay(0, 2)
	bad.Data = bad.Data[:1]
	m.Put(2, []sequence.Overlay[float32]{bad})
	if err := Attach(context.Background(), m, hidden, seqs); err == nil {
		t.Error("expected a validation error")
	}
}

func TestFlightRoundTrip(t *testing.T) {
	m := NewMemory()
	m.Put(7, []sequence.Overlay[float32]{overlay(0, 2), overlay(5, 9)})

	srv, err := NewServer("localhost:0", m, hidden)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go srv.Serve()
	defer srv.Shutdown()

	_, port, err := splitPort(srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	src := NewFlightSource("localhost", port, hidden)
	if _, err := src.Fetch(context.Background(), 7); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := src.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer src.Close()

	got, err := src.Fetch(context.Background(), 7)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if diff := cmp.Diff([]sequence.Overlay[float32]{overlay(0, 2), overlay(5, 9)}, got); diff != "" {
		t.Errorf("fetched overlays mismatch (-want +got):\n%s", diff)
	}

	none, err := src.Fetch(context.Background(), 8)
	if err != nil {
		t.Fatalf("Fetch unknown: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("unknown sequence returned %v", none)
	}
}

func splitPort(addr string) (string, int, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(p)
	return host, port, err
}
