package dataset

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

const formatVersion = 1

// Header is the self-describing part of a container.
type Header struct {
	Version   int               `json:"version"`
	Dims      map[string]int    `json:"dims"`
	Time      []float64         `json:"time"`
	Units     string            `json:"units"`
	Calendar  string            `json:"calendar"`
	Lon       []float64         `json:"lon"`
	Lat       []float64         `json:"lat"`
	FillValue float32           `json:"fill_value"`
	Variables []string          `json:"variables"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// Times decodes the header's time coordinate.
func (h Header) Times() []time.Time {
	out := make([]time.Time, len(h.Time))
	for i, v := range h.Time {
		out[i] = DecodeTime(v)
	}
	return out
}

// Encode writes d to w as a zstd stream: a length-prefixed JSON header
// followed by each variable's float32 values, little endian, in name order.
// Output is deterministic for equal inputs.
func Encode(w io.Writer, d *Dataset) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("encode dataset: %w", err)
	}

	enc, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}

	h := Header{
		Version:   formatVersion,
		Dims:      map[string]int{"time": len(d.Times), "lat": d.NY(), "lon": d.NX()},
		Time:      make([]float64, len(d.Times)),
		Units:     TimeUnits,
		Calendar:  Calendar,
		Lon:       d.Lons,
		Lat:       d.Lats,
		FillValue: FillValue,
		Variables: d.Names(),
		Attrs:     d.Attrs,
	}
	for i, t := range d.Times {
		h.Time[i] = EncodeTime(t)
	}
	hdr, err := json.Marshal(h)
	if err != nil {
		enc.Close()
		return fmt.Errorf("marshal header: %w", err)
	}

	bw := bufio.NewWriter(enc)
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(hdr))); err != nil {
		enc.Close()
		return fmt.Errorf("write header length: %w", err)
	}
	if _, err := bw.Write(hdr); err != nil {
		enc.Close()
		return fmt.Errorf("write header: %w", err)
	}
	buf := make([]byte, 4)
	for _, name := range h.Variables {
		for _, v := range d.Vars[name] {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			if _, err := bw.Write(buf); err != nil {
				enc.Close()
				return fmt.Errorf("write variable %q: %w", name, err)
			}
		}
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return fmt.Errorf("flush dataset: %w", err)
	}
	return enc.Close()
}

// Decode reads a container written by Encode.
func Decode(r io.Reader) (*Dataset, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	br := bufio.NewReader(dec)
	h, err := readHeader(br)
	if err != nil {
		return nil, err
	}

	d := New(h.Times(), h.Lon, h.Lat)
	for k, v := range h.Attrs {
		d.Attrs[k] = v
	}
	n := len(d.Times) * d.Cells()
	buf := make([]byte, 4*n)
	for _, name := range h.Variables {
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("read variable %q: %w", name, err)
		}
		vals := make([]float32, n)
		for i := range vals {
			vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		}
		d.Vars[name] = vals
	}
	return d, nil
}

// ReadHeader decodes only the header of the container at path.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return Header{}, fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()
	return readHeader(bufio.NewReader(dec))
}

// ReadFile decodes the container at path.
func ReadFile(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	d, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return d, nil
}

// WriteFile encodes d to path through a temporary file in the same
// directory, so readers never observe a partial container.
func WriteFile(path string, d *Dataset) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = Encode(tmp, d); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func readHeader(r io.Reader) (Header, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return Header{}, fmt.Errorf("read header length: %w", err)
	}
	if size == 0 || size > 1<<28 {
		return Header{}, fmt.Errorf("implausible header length %d", size)
	}
	raw := make([]byte, size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Header{}, fmt.Errorf("read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return Header{}, fmt.Errorf("parse header: %w", err)
	}
	if h.Version != formatVersion {
		return Header{}, fmt.Errorf("unsupported container version %d", h.Version)
	}
	if h.Units != TimeUnits {
		return Header{}, errors.New("unsupported time units " + h.Units)
	}
	return h, nil
}
