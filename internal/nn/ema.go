package nn

// EMA keeps a shadow copy of a parameter list:
// shadow = decay*shadow + (1-decay)*source, applied every `every` calls to Update.
// The shadow parameters are separate allocations and are never aliased with
// the source.
type EMA struct {
	decay  float64
	every  int
	step   int
	source []*Param
	shadow []*Param
}

// NewEMA pairs source parameters with their shadow copies.
func NewEMA(source, shadow []*Param, decay float64, every int) *EMA {
	if every < 1 {
		every = 1
	}
	if len(source) != len(shadow) {
		panic("nn: EMA source and shadow length differ")
	}
	for _, p := range shadow {
		p.Frozen = true
	}
	return &EMA{decay: decay, every: every, source: source, shadow: shadow}
}

// Update advances the step counter and blends on cadence.
func (e *EMA) Update() {
	e.step++
	if e.step%e.every != 0 {
		return
	}
	for i, s := range e.shadow {
		s.Value.Scale(e.decay, s.Value)
		live := e.source[i].Value
		r, _ := live.Dims()
		for row := 0; row < r; row++ {
			dst, src := s.Value.RawRowView(row), live.RawRowView(row)
			for j := range dst {
				dst[j] += (1 - e.decay) * src[j]
			}
		}
	}
}

// Step returns the number of Update calls.
func (e *EMA) Step() int { return e.step }

// SetStep restores the counter after loading a checkpoint.
func (e *EMA) SetStep(step int) { e.step = step }

// Shadow returns the smoothed parameters.
func (e *EMA) Shadow() []*Param { return e.shadow }
