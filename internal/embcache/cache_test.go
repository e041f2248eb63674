package embcache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/omriariav/FaceFindr/internal/face"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func countingEncoder(calls *atomic.Int32, faces []face.Face, err error) face.Encoder {
	return face.EncoderFunc(func(ctx context.Context, data []byte) ([]face.Face, error) {
		calls.Add(1)
		return faces, err
	})
}

func newCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_cache_total"}, []string{"result"})
}

func TestCachedEncoder_HitAfterMiss(t *testing.T) {
	var calls atomic.Int32
	want := []face.Face{{Index: 0, Embedding: []float32{0.1, 0.2, 0.3}, BBox: []float64{1, 2, 3, 4}, DetScore: 0.99}}
	counter := newCounter()
	c := New(countingEncoder(&calls, want, nil), Blob(NewMemoryStore()), "test", counter, nil)
	ctx := context.Background()

	for range 3 {
		got, err := c.Encode(ctx, []byte("image"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 1 || got[0].Embedding[2] != 0.3 || got[0].BBox[3] != 4 || got[0].DetScore != 0.99 {
			t.Fatalf("unexpected faces: %+v", got)
		}
	}

	if calls.Load() != 1 {
		t.Errorf("expected 1 inner call, got %d", calls.Load())
	}
	if v := testutil.ToFloat64(counter.WithLabelValues("miss")); v != 1 {
		t.Errorf("expected 1 miss, got %v", v)
	}
	if v := testutil.ToFloat64(counter.WithLabelValues("hit")); v != 2 {
		t.Errorf("expected 2 hits, got %v", v)
	}
}

func TestCachedEncoder_CachesZeroFaces(t *testing.T) {
	var calls atomic.Int32
	c := New(countingEncoder(&calls, nil, nil), Blob(NewMemoryStore()), "test", nil, nil)

	for range 2 {
		got, err := c.Encode(context.Background(), []byte("landscape"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("expected no faces, got %d", len(got))
		}
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 inner call, got %d", calls.Load())
	}
}

func TestCachedEncoder_DoesNotCacheErrors(t *testing.T) {
	var calls atomic.Int32
	store := NewMemoryStore()
	c := New(countingEncoder(&calls, nil, face.NewDecodeError("corrupt", nil)), Blob(store), "test", nil, nil)

	for range 2 {
		if _, err := c.Encode(context.Background(), []byte("bad")); !errors.Is(err, face.ErrDecode) {
			t.Fatalf("expected decode error, got %v", err)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 inner calls, got %d", calls.Load())
	}
	if n, _ := store.Count(context.Background()); n != 0 {
		t.Errorf("expected empty store, got %d", n)
	}
}

func TestCachedEncoder_NamespaceSeparatesKeys(t *testing.T) {
	a := New(nil, Blob(NewMemoryStore()), "model-a", nil, nil)
	b := New(nil, Blob(NewMemoryStore()), "model-b", nil, nil)

	if a.Key([]byte("x")) == b.Key([]byte("x")) {
		t.Error("expected different keys for different namespaces")
	}
	if a.Key([]byte("x")) == a.Key([]byte("y")) {
		t.Error("expected different keys for different data")
	}
}

func TestCachedEncoder_CorruptEntryIsMiss(t *testing.T) {
	var calls atomic.Int32
	store := NewMemoryStore()
	c := New(countingEncoder(&calls, []face.Face{{Embedding: []float32{1}}}, nil), Blob(store), "test", nil, nil)
	ctx := context.Background()

	if err := store.Set(ctx, c.Key([]byte("img")), []byte{0xff, 0x00}); err != nil {
		t.Fatal(err)
	}
	got, err := c.Encode(ctx, []byte("img"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || calls.Load() != 1 {
		t.Errorf("expected fallback to inner encoder, calls=%d faces=%d", calls.Load(), len(got))
	}
}

func TestDecodeFaces_Truncated(t *testing.T) {
	data, err := encodeFaces([]face.Face{{Embedding: []float32{1, 2, 3, 4}}})
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []int{0, 1, 5, len(data) - 1} {
		if _, err := decodeFaces(data[:n]); !errors.Is(err, errCorruptEntry) {
			t.Errorf("len %d: expected corrupt entry error, got %v", n, err)
		}
	}
	if _, err := decodeFaces(append(data, 0)); !errors.Is(err, errCorruptEntry) {
		t.Errorf("trailing byte: expected corrupt entry error, got %v", err)
	}
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := s.Get(ctx, "ns:abcdef"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
	if err := s.Set(ctx, "ns:abcdef", []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "ns:123456", []byte("other")); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "ns:abcdef")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Errorf("expected payload, got %q", got)
	}

	if n, err := s.Count(ctx); err != nil || n != 2 {
		t.Errorf("expected 2 entries, got %d (%v)", n, err)
	}
	if n, err := s.Clear(ctx); err != nil || n != 2 {
		t.Errorf("expected 2 removed, got %d (%v)", n, err)
	}
	if _, err := s.Get(ctx, "ns:abcdef"); !errors.Is(err, ErrMiss) {
		t.Errorf("expected miss after clear, got %v", err)
	}
}

func TestFileStore_WithEncoder(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	var calls atomic.Int32
	faces := []face.Face{{Embedding: make([]float32, 512)}}
	faces[0].Embedding[511] = 0.5

	first := New(countingEncoder(&calls, faces, nil), Blob(s), "test", nil, nil)
	if _, err := first.Encode(context.Background(), []byte("img")); err != nil {
		t.Fatal(err)
	}

	// A new decorator over the same directory sees the earlier entry.
	second := New(countingEncoder(&calls, nil, errors.New("should not be called")), Blob(s), "test", nil, nil)
	got, err := second.Encode(context.Background(), []byte("img"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || len(got[0].Embedding) != 512 || got[0].Embedding[511] != 0.5 {
		t.Errorf("unexpected cached faces: %+v", got)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 inner call, got %d", calls.Load())
	}
}

func TestBlobAdapter_Maintenance(t *testing.T) {
	ctx := context.Background()
	a := Blob(NewMemoryStore())
	if err := a.Set(ctx, "k", []face.Face{{Embedding: []float32{1}}}); err != nil {
		t.Fatal(err)
	}
	if n, err := a.Count(ctx); err != nil || n != 1 {
		t.Errorf("expected 1 entry, got %d (%v)", n, err)
	}

	var plain BlobStore = struct{ BlobStore }{NewMemoryStore()}
	if _, err := Blob(plain).Clear(ctx); !errors.Is(err, ErrNoMaintenance) {
		t.Errorf("expected ErrNoMaintenance, got %v", err)
	}
}
