package codebook

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sbinet/npyio/npy"
)

// Load reads a codebook file stored channels x steps. The format follows the
// extension: .npy or .csv.
func Load(path string) (*Codebook, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cb *Codebook
	switch strings.ToLower(filepath.Ext(path)) {
	case ".npy":
		cb, err = ReadNPY(f)
	case ".csv", ".txt":
		cb, err = ReadCSV(f)
	default:
		return nil, fmt.Errorf("codebook %s: unknown format", path)
	}
	if err != nil {
		return nil, fmt.Errorf("codebook %s: %w", path, err)
	}
	return cb, nil
}

// ReadCSV reads one channel per line, comma separated.
func ReadCSV(r io.Reader) (*Codebook, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	cr.FieldsPerRecord = 0
	records, err := cr.ReadAll()
	if err != nil {
		if perr, ok := err.(*csv.ParseError); ok && perr.Err == csv.ErrFieldCount {
			return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
		}
		return nil, err
	}

	channels := make([][]float64, len(records))
	for i, rec := range records {
		channels[i] = make([]float64, len(rec))
		for j, field := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d field %d: %w", i+1, j+1, err)
			}
			channels[i][j] = v
		}
	}
	return FromChannels(channels)
}

// ReadNPY reads a 2-D numpy array.
func ReadNPY(r io.Reader) (*Codebook, error) {
	nr, err := npy.NewReader(r)
	if err != nil {
		return nil, err
	}
	shape := nr.Header.Descr.Shape
	if len(shape) != 2 {
		return nil, fmt.Errorf("%w: array has %d dimensions, want 2", ErrShapeMismatch, len(shape))
	}
	rows, cols := shape[0], shape[1]

	flat, err := readFloats(nr)
	if err != nil {
		return nil, err
	}
	if len(flat) != rows*cols {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(flat), shape)
	}

	channels := make([][]float64, rows)
	for i := range channels {
		channels[i] = make([]float64, cols)
		for j := range channels[i] {
			if nr.Header.Descr.Fortran {
				channels[i][j] = flat[j*rows+i]
			} else {
				channels[i][j] = flat[i*cols+j]
			}
		}
	}
	return FromChannels(channels)
}

type number interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

func readAs[T number](nr *npy.Reader) ([]float64, error) {
	var raw []T
	if err := nr.Read(&raw); err != nil {
		return nil, err
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = float64(v)
	}
	return out, nil
}

func readFloats(nr *npy.Reader) ([]float64, error) {
	dtype := strings.TrimLeft(nr.Header.Descr.Type, "<>|=")
	switch dtype {
	case "f8":
		return readAs[float64](nr)
	case "f4":
		return readAs[float32](nr)
	case "i8":
		return readAs[int64](nr)
	case "i4":
		return readAs[int32](nr)
	case "i2":
		return readAs[int16](nr)
	case "i1":
		return readAs[int8](nr)
	case "u8":
		return readAs[uint64](nr)
	case "u4":
		return readAs[uint32](nr)
	case "u2":
		return readAs[uint16](nr)
	case "u1":
		return readAs[uint8](nr)
	case "b1":
		var raw []bool
		if err := nr.Read(&raw); err != nil {
			return nil, err
		}
		out := make([]float64, len(raw))
		for i, v := range raw {
			if v {
				out[i] = 1
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %q", nr.Header.Descr.Type)
	}
}
