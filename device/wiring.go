package device

import "fmt"

// Wiring is the fixed hardware correction applied to every light write:
// wire[i] = step[Order[i]], then the whole vector is reversed when Mirror
// is set.
type Wiring struct {
	Order  []int `toml:"order"`
	Mirror bool  `toml:"mirror"`
}

// Identity returns a wiring that leaves n channels in place.
func Identity(n int) Wiring {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return Wiring{Order: order}
}

// Validate checks that Order is a permutation of 0..n-1.
func (w Wiring) Validate(n int) error {
	if len(w.Order) != n {
		return fmt.Errorf("wiring: order has %d entries, want %d", len(w.Order), n)
	}
	seen := make([]bool, n)
	for _, c := range w.Order {
		if c < 0 || c >= n || seen[c] {
			return fmt.Errorf("wiring: order %v is not a permutation of 0..%d", w.Order, n-1)
		}
		seen[c] = true
	}
	return nil
}

// Apply writes the wire order of step into dst. dst and step must not alias.
func (w Wiring) Apply(dst, step BitVector) {
	n := len(step)
	for i := 0; i < n; i++ {
		v := step[w.Order[i]]
		if w.Mirror {
			dst[n-1-i] = v
		} else {
			dst[i] = v
		}
	}
}

// Invert recovers the step that produced wire. dst and wire must not alias.
func (w Wiring) Invert(dst, wire BitVector) {
	n := len(wire)
	for i := 0; i < n; i++ {
		v := wire[i]
		if w.Mirror {
			v = wire[n-1-i]
		}
		dst[w.Order[i]] = v
	}
}
