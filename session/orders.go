package session

import (
	"encoding/csv"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"

	"go-stimulus/trial"
)

// Order table file names.
const (
	TrialOrdersFile     = "trial_orders.csv"
	PictogramOrdersFile = "pictogram_orders.csv"
)

// Orders is the session's presentation order: the planned trials of every
// run and the pictogram permutation of every block. Loaded once and read
// only afterwards.
type Orders struct {
	Trials     [][][]trial.Planned // [block][run][trial]
	Pictograms [][]int             // [block]
}

// Shape is the size of a session.
type Shape struct {
	Blocks, Runs, Trials int
	Objects              int
}

// Generate builds balanced orders from seed. Every run cycles through
// conditions and targets so each appears as evenly as the trial count
// allows, then shuffles them.
func Generate(seed uint64, shape Shape, conditions []int) (*Orders, error) {
	if shape.Blocks <= 0 || shape.Runs <= 0 || shape.Trials <= 0 || shape.Objects <= 0 {
		return nil, fmt.Errorf("invalid session shape %+v", shape)
	}
	if len(conditions) == 0 {
		return nil, fmt.Errorf("no conditions to order")
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x0deb))
	o := &Orders{
		Trials:     make([][][]trial.Planned, shape.Blocks),
		Pictograms: make([][]int, shape.Blocks),
	}
	for b := range shape.Blocks {
		o.Pictograms[b] = rng.Perm(shape.Objects)
		o.Trials[b] = make([][]trial.Planned, shape.Runs)
		for r := range shape.Runs {
			conds := make([]int, shape.Trials)
			for i := range conds {
				conds[i] = conditions[i%len(conditions)]
			}
			rng.Shuffle(len(conds), func(i, j int) { conds[i], conds[j] = conds[j], conds[i] })

			var targets []int
			for len(targets) < shape.Trials {
				targets = append(targets, rng.Perm(shape.Objects)...)
			}
			run := make([]trial.Planned, shape.Trials)
			for i := range run {
				run[i] = trial.Planned{Condition: conds[i], Target: targets[i]}
			}
			o.Trials[b][r] = run
		}
	}
	return o, nil
}

// Plan returns the trials of one run.
func (o *Orders) Plan(block, run int) ([]trial.Planned, error) {
	if block < 0 || block >= len(o.Trials) || run < 0 || run >= len(o.Trials[block]) {
		return nil, fmt.Errorf("no order for block %d run %d", block, run)
	}
	return o.Trials[block][run], nil
}

// Check verifies the tables cover shape.
func (o *Orders) Check(shape Shape) error {
	if len(o.Trials) < shape.Blocks {
		return fmt.Errorf("trial orders have %d blocks, want %d", len(o.Trials), shape.Blocks)
	}
	if len(o.Pictograms) < shape.Blocks {
		return fmt.Errorf("pictogram orders have %d blocks, want %d", len(o.Pictograms), shape.Blocks)
	}
	for b := range shape.Blocks {
		if len(o.Trials[b]) < shape.Runs {
			return fmt.Errorf("block %d has %d runs, want %d", b, len(o.Trials[b]), shape.Runs)
		}
		for r := range shape.Runs {
			if len(o.Trials[b][r]) != shape.Trials {
				return fmt.Errorf("block %d run %d has %d trials, want %d", b, r, len(o.Trials[b][r]), shape.Trials)
			}
			for t, p := range o.Trials[b][r] {
				if p.Target < 0 || p.Target >= shape.Objects {
					return fmt.Errorf("block %d run %d trial %d: target %d out of range", b, r, t, p.Target)
				}
			}
		}
		if err := permutation(o.Pictograms[b], shape.Objects); err != nil {
			return fmt.Errorf("block %d pictograms: %w", b, err)
		}
	}
	return nil
}

func permutation(p []int, n int) error {
	if len(p) != n {
		return fmt.Errorf("%d entries, want %d", len(p), n)
	}
	seen := make([]bool, n)
	for _, v := range p {
		if v < 0 || v >= n || seen[v] {
			return fmt.Errorf("%v is not a permutation", p)
		}
		seen[v] = true
	}
	return nil
}

// Save writes both tables into dir.
func (o *Orders) Save(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, TrialOrdersFile), o.writeTrials); err != nil {
		return err
	}
	return writeFile(filepath.Join(dir, PictogramOrdersFile), o.writePictograms)
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}

func (o *Orders) writeTrials(w io.Writer) error {
	cw := csv.NewWriter(w)
	cw.Write([]string{"block", "run", "trial", "condition", "target"})
	for b, runs := range o.Trials {
		for r, plan := range runs {
			for t, p := range plan {
				name := strconv.Itoa(p.Condition)
				if c, err := trial.Standard(p.Condition); err == nil {
					name = c.Name
				}
				cw.Write([]string{strconv.Itoa(b), strconv.Itoa(r), strconv.Itoa(t), name, strconv.Itoa(p.Target)})
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

func (o *Orders) writePictograms(w io.Writer) error {
	cw := csv.NewWriter(w)
	if len(o.Pictograms) > 0 {
		header := []string{"block"}
		for i := range o.Pictograms[0] {
			header = append(header, "p"+strconv.Itoa(i))
		}
		cw.Write(header)
	}
	for b, perm := range o.Pictograms {
		row := []string{strconv.Itoa(b)}
		for _, v := range perm {
			row = append(row, strconv.Itoa(v))
		}
		cw.Write(row)
	}
	cw.Flush()
	return cw.Error()
}

// LoadOrders reads both tables from dir.
func LoadOrders(dir string) (*Orders, error) {
	o := &Orders{}
	if err := readFile(filepath.Join(dir, TrialOrdersFile), o.readTrials); err != nil {
		return nil, err
	}
	if err := readFile(filepath.Join(dir, PictogramOrdersFile), o.readPictograms); err != nil {
		return nil, err
	}
	return o, nil
}

func readFile(path string, read func([][]string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if len(rows) > 0 {
		rows = rows[1:] // header
	}
	if err := read(rows); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func (o *Orders) readTrials(rows [][]string) error {
	for i, row := range rows {
		if len(row) != 5 {
			return fmt.Errorf("line %d: %d fields, want 5", i+2, len(row))
		}
		var n [3]int
		for j := range n {
			v, err := strconv.Atoi(row[j])
			if err != nil || v < 0 {
				return fmt.Errorf("line %d: bad index %q", i+2, row[j])
			}
			n[j] = v
		}
		cond, err := trial.ParseCondition(row[3])
		if err != nil {
			return fmt.Errorf("line %d: %w", i+2, err)
		}
		target, err := strconv.Atoi(row[4])
		if err != nil {
			return fmt.Errorf("line %d: bad target %q", i+2, row[4])
		}
		b, r, t := n[0], n[1], n[2]
		for len(o.Trials) <= b {
			o.Trials = append(o.Trials, nil)
		}
		for len(o.Trials[b]) <= r {
			o.Trials[b] = append(o.Trials[b], nil)
		}
		if t != len(o.Trials[b][r]) {
			return fmt.Errorf("line %d: trial %d out of sequence", i+2, t)
		}
		o.Trials[b][r] = append(o.Trials[b][r], trial.Planned{Condition: cond, Target: target})
	}
	return nil
}

func (o *Orders) readPictograms(rows [][]string) error {
	for i, row := range rows {
		b, err := strconv.Atoi(row[0])
		if err != nil || b != len(o.Pictograms) {
			return fmt.Errorf("line %d: block %q out of sequence", i+2, row[0])
		}
		perm := make([]int, len(row)-1)
		for j, s := range row[1:] {
			if perm[j], err = strconv.Atoi(s); err != nil {
				return fmt.Errorf("line %d: bad slot %q", i+2, s)
			}
		}
		o.Pictograms = append(o.Pictograms, perm)
	}
	return nil
}
