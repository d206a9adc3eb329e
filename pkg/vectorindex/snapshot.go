package vectorindex

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Save persists the index to path, replacing any previous snapshot atomically.
// Format: [dimension:uint32][count:uint32] then for each entry:
// [idLen:uint16][id][payloadLen:uint32][payload JSON][vector:float32*dim]
func (v *Flat) Save(path string) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("vectorindex: save failed: %w", err)
		}
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("vectorindex: save failed: %w", err)
	}
	w := bufio.NewWriter(f)

	if err := v.writeTo(w); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("vectorindex: save failed: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("vectorindex: save failed: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("vectorindex: save failed: %w", err)
	}
	return os.Rename(tmp, path)
}

func (v *Flat) writeTo(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(v.dimension)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(v.vectors))); err != nil {
		return err
	}
	for id, vec := range v.vectors {
		if err := binary.Write(w, binary.LittleEndian, uint16(len(id))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, id); err != nil {
			return err
		}
		payload, err := json.Marshal(v.payloads[id])
		if err != nil {
			return fmt.Errorf("payload %s: %w", id, err)
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(payload))); err != nil {
			return err
		}
		if _, err := w.Write(payload); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, vec); err != nil {
			return err
		}
	}
	return nil
}

// Load replaces the index contents with the snapshot at path. A snapshot
// written with another dimension yields ErrDimensionMismatch and leaves the
// index untouched.
func (v *Flat) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("vectorindex: load failed: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var dim, count uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return fmt.Errorf("vectorindex: load failed: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("vectorindex: load failed: %w", err)
	}
	if int(dim) != v.dimension {
		return fmt.Errorf("%w: snapshot has %d, index expects %d", ErrDimensionMismatch, dim, v.dimension)
	}

	vectors := make(map[string][]float32, count)
	payloads := make(map[string]map[string]any, count)
	for i := uint32(0); i < count; i++ {
		var idLen uint16
		if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
			return fmt.Errorf("vectorindex: load failed: %w", err)
		}
		idBuf := make([]byte, idLen)
		if _, err := io.ReadFull(r, idBuf); err != nil {
			return fmt.Errorf("vectorindex: load failed: %w", err)
		}

		var payloadLen uint32
		if err := binary.Read(r, binary.LittleEndian, &payloadLen); err != nil {
			return fmt.Errorf("vectorindex: load failed: %w", err)
		}
		payloadBuf := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payloadBuf); err != nil {
			return fmt.Errorf("vectorindex: load failed: %w", err)
		}
		var payload map[string]any
		if err := json.Unmarshal(payloadBuf, &payload); err != nil {
			return fmt.Errorf("vectorindex: load failed: payload: %w", err)
		}

		vec := make([]float32, dim)
		if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
			return fmt.Errorf("vectorindex: load failed: %w", err)
		}
		vectors[string(idBuf)] = vec
		payloads[string(idBuf)] = payload
	}

	v.mu.Lock()
	v.vectors = vectors
	v.payloads = payloads
	v.mu.Unlock()
	return nil
}

// Open creates an index of the given dimension and restores the snapshot at
// path when one exists. recreated reports that the snapshot was written with a
// different dimension and was discarded; the caller should rebuild the index
// from its source of truth.
func Open(path string, dimension int) (idx *Flat, recreated bool, err error) {
	idx = New(dimension)
	if path == "" {
		return idx, false, nil
	}
	err = idx.Load(path)
	switch {
	case err == nil:
		return idx, false, nil
	case errors.Is(err, fs.ErrNotExist):
		return idx, false, nil
	case errors.Is(err, ErrDimensionMismatch):
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return nil, false, fmt.Errorf("vectorindex: remove stale snapshot: %w", rmErr)
		}
		return idx, true, nil
	}
	return nil, false, err
}
