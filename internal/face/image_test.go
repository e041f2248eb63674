package face

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func makePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		for y := range h {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestPrepareImage_CorruptData(t *testing.T) {
	_, err := PrepareImage([]byte("definitely not an image"), 100)
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}

	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DecodeError, got %T", err)
	}
}

func TestPrepareImage_EmptyData(t *testing.T) {
	_, err := PrepareImage(nil, 100)
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestPrepareImage_TruncatedJPEG(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()/3]

	if _, err := PrepareImage(truncated, 100); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for truncated jpeg, got %v", err)
	}
}

func TestPrepareImage_SmallPNGPassesThrough(t *testing.T) {
	data := makePNG(t, 20, 10)

	out, err := PrepareImage(data, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("expected small png to be returned unchanged")
	}
}

func TestPrepareImage_Downscales(t *testing.T) {
	data := makePNG(t, 200, 100)

	out, err := PrepareImage(data, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if format != "jpeg" {
		t.Errorf("expected jpeg output, got %s", format)
	}
	if cfg.Width != 50 || cfg.Height != 25 {
		t.Errorf("expected 50x25, got %dx%d", cfg.Width, cfg.Height)
	}
}

func TestCheckedEncoder_SkipsBackendOnCorruptData(t *testing.T) {
	called := false
	inner := EncoderFunc(func(ctx context.Context, data []byte) ([]Face, error) {
		called = true
		return nil, nil
	})

	enc := NewCheckedEncoder(inner, 100)
	_, err := enc.Encode(context.Background(), []byte{0x00, 0x01, 0x02})
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
	if called {
		t.Error("expected wrapped encoder not to be called")
	}
}

func TestCheckedEncoder_ForwardsValidImage(t *testing.T) {
	inner := EncoderFunc(func(ctx context.Context, data []byte) ([]Face, error) {
		return []Face{{Embedding: []float32{1, 2, 3}}}, nil
	})

	enc := NewCheckedEncoder(inner, 100)
	faces, err := enc.Encode(context.Background(), makePNG(t, 10, 10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(faces) != 1 {
		t.Errorf("expected 1 face, got %d", len(faces))
	}
}

func TestDecodeError_Message(t *testing.T) {
	err := NewDecodeError("bad header", errors.New("eof"))
	if err.Error() != "decode error: bad header: eof" {
		t.Errorf("unexpected message %q", err.Error())
	}

	err = NewDecodeError("timeout", nil)
	if err.Error() != "decode error: timeout" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
