package embcache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/omriariav/FaceFindr/internal/face"
)

// codecVersion prefixes every encoded value so stale layouts read as misses.
const codecVersion byte = 1

var errCorruptEntry = errors.New("corrupt cache entry")

// encodeFaces serializes faces as little-endian binary.
func encodeFaces(faces []face.Face) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(codecVersion)
	w := func(v any) {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}

	w(uint32(len(faces)))
	for _, f := range faces {
		if len(f.BBox) > math.MaxUint8 {
			return nil, fmt.Errorf("bbox too long: %d", len(f.BBox))
		}
		w(int32(f.Index))
		w(f.DetScore)
		w(uint8(len(f.BBox)))
		for _, v := range f.BBox {
			w(v)
		}
		w(uint32(len(f.Embedding)))
		w(f.Embedding)
	}
	return buf.Bytes(), nil
}

// decodeFaces parses the output of encodeFaces.
func decodeFaces(data []byte) ([]face.Face, error) {
	if len(data) == 0 || data[0] != codecVersion {
		return nil, errCorruptEntry
	}
	r := bytes.NewReader(data[1:])
	read := func(v any) error {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("%w: %v", errCorruptEntry, err)
		}
		return nil
	}

	var count uint32
	if err := read(&count); err != nil {
		return nil, err
	}
	// Each face takes at least 17 bytes; reject counts the payload cannot hold.
	if int64(count)*17 > int64(r.Len()) {
		return nil, errCorruptEntry
	}

	faces := make([]face.Face, 0, count)
	for range count {
		var (
			idx   int32
			det   float64
			nbbox uint8
			dim   uint32
		)
		if err := read(&idx); err != nil {
			return nil, err
		}
		if err := read(&det); err != nil {
			return nil, err
		}
		if err := read(&nbbox); err != nil {
			return nil, err
		}
		var bbox []float64
		if nbbox > 0 {
			bbox = make([]float64, nbbox)
			if err := read(bbox); err != nil {
				return nil, err
			}
		}
		if err := read(&dim); err != nil {
			return nil, err
		}
		if int64(dim)*4 > int64(r.Len()) {
			return nil, errCorruptEntry
		}
		emb := make([]float32, dim)
		if err := read(emb); err != nil {
			return nil, err
		}
		faces = append(faces, face.Face{Index: int(idx), Embedding: emb, BBox: bbox, DetScore: det})
	}
	if _, err := r.ReadByte(); err != io.EOF {
		return nil, errCorruptEntry
	}
	return faces, nil
}
