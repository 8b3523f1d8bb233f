package codebook

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestFromChannelsTransposes(t *testing.T) {
	// 2 channels x 3 steps
	cb, err := FromChannels([][]float64{
		{1, 0, 1},
		{0, 0, 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cb.Len() != 3 || cb.Width() != 2 {
		t.Fatalf("shape = %dx%d, want 3x2", cb.Len(), cb.Width())
	}
	want := [][]uint8{{1, 0}, {0, 0}, {1, 1}}
	for i, row := range want {
		if !bytes.Equal(cb.Step(i), row) {
			t.Fatalf("step %d = %v, want %v", i, cb.Step(i), row)
		}
	}
}

func TestInvalidCellsPreserved(t *testing.T) {
	cb, err := FromChannels([][]float64{{0, 2, 0.5, -1}})
	if err != nil {
		t.Fatal(err)
	}
	if cb.Step(1)[0] != 2 || cb.Step(2)[0] != Bad || cb.Step(3)[0] != Bad {
		t.Fatalf("cells = %v", cb.Rows())
	}
	if cb.Invalid() != 3 {
		t.Fatalf("invalid = %d, want 3", cb.Invalid())
	}
}

func TestShapeMismatch(t *testing.T) {
	if _, err := New([][]uint8{{0, 1}, {0}}); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("ragged rows: %v", err)
	}
	if _, err := FromChannels([][]float64{{0, 1}, {0}}); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("ragged channels: %v", err)
	}
	cb, _ := New([][]uint8{{0, 1, 0}})
	if err := cb.Check(8); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("Check(8) on width 3: %v", err)
	}
	empty, _ := New(nil)
	if err := empty.Check(8); err != nil {
		t.Fatalf("empty codebook rejected: %v", err)
	}
}

func TestRepeatAndDuty(t *testing.T) {
	cb, _ := New([][]uint8{{1, 0}, {0, 0}})
	tiled := cb.Repeat(3)
	if tiled.Len() != 6 || tiled.Width() != 2 {
		t.Fatalf("tiled shape = %dx%d", tiled.Len(), tiled.Width())
	}
	for i := 0; i < 6; i++ {
		if !bytes.Equal(tiled.Step(i), cb.Step(i%2)) {
			t.Fatalf("step %d = %v", i, tiled.Step(i))
		}
	}
	duty := tiled.Duty()
	if duty[0] != 0.5 || duty[1] != 0 {
		t.Fatalf("duty = %v", duty)
	}
}

func TestReadCSV(t *testing.T) {
	cb, err := ReadCSV(strings.NewReader("# two channels\n1, 0, 1\n0, 1, 1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cb.Len() != 3 || cb.Width() != 2 || !bytes.Equal(cb.Step(2), []uint8{1, 1}) {
		t.Fatalf("rows = %v", cb.Rows())
	}
	if _, err := ReadCSV(strings.NewReader("1,0\n1\n")); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("ragged csv: %v", err)
	}
	if _, err := ReadCSV(strings.NewReader("1,x\n")); err == nil {
		t.Fatal("non-numeric cell accepted")
	}
}

// npyFile encodes an int64 C-order array in NPY format version 1.0.
func npyFile(shape [2]int, values []int64) []byte {
	header := "{'descr': '<i8', 'fortran_order': False, 'shape': (" +
		strconv.Itoa(shape[0]) + ", " + strconv.Itoa(shape[1]) + "), }"
	total := 10 + len(header) + 1
	pad := (64 - total%64) % 64
	header += strings.Repeat(" ", pad) + "\n"

	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY")
	buf.Write([]byte{1, 0})
	binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	binary.Write(&buf, binary.LittleEndian, values)
	return buf.Bytes()
}

func TestReadNPY(t *testing.T) {
	// 2 channels x 3 steps
	data := npyFile([2]int{2, 3}, []int64{1, 0, 1, 0, 1, 1})
	cb, err := ReadNPY(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if cb.Len() != 3 || cb.Width() != 2 {
		t.Fatalf("shape = %dx%d", cb.Len(), cb.Width())
	}
	if !bytes.Equal(cb.Step(0), []uint8{1, 0}) || !bytes.Equal(cb.Step(1), []uint8{0, 1}) {
		t.Fatalf("rows = %v", cb.Rows())
	}
}

func TestLoadDirAndShared(t *testing.T) {
	dir := t.TempDir()
	for i, body := range []string{"1,0\n0,1\n", "0,1\n1,0\n", "1,1\n0,0\n"} {
		name := filepath.Join(dir, "codebook_obj_"+strconv.Itoa(i)+".csv")
		if err := os.WriteFile(name, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
	set, err := LoadDir("scene_fastERP", dir, "codebook_obj_*")
	if err != nil {
		t.Fatal(err)
	}
	if set.Targets() != 3 || set.Width() != 2 {
		t.Fatalf("set = %d targets x %d", set.Targets(), set.Width())
	}
	if !bytes.Equal(set.For(2).Step(0), []uint8{1, 0}) {
		t.Fatalf("target 2 step 0 = %v", set.For(2).Step(0))
	}
	if err := set.Check(2, 3); err != nil {
		t.Fatal(err)
	}
	if err := set.Check(8, 3); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("Check(8,3): %v", err)
	}
	if err := set.Check(2, 8); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("Check(2,8): %v", err)
	}

	shared, err := LoadShared("scene_cVEP", filepath.Join(dir, "codebook_obj_0.csv"), 4, 8)
	if err != nil {
		t.Fatal(err)
	}
	if shared.Targets() != 8 || shared.For(5).Len() != 8 {
		t.Fatalf("shared = %d targets, %d steps", shared.Targets(), shared.For(5).Len())
	}

	if _, err := LoadDir("missing", dir, "nothing_*"); err == nil {
		t.Fatal("empty glob accepted")
	}
}
