package hydraulic

import (
	"math"

	"water-simulator/internal/network"
)

const (
	gravity  = 9.81
	hwExp    = 1.852
	kinVisc  = 1.004e-6 // water at 20 C, m^2/s
	minGrad  = 1e-8     // floor on dh/dq to keep the matrix regular
	zeroFlow = 1e-9     // m^3/s, numerical zero for pump flows
	// quiescentFlow is the total network flow below which the relative
	// flow-change norm stops being meaningful (1e-6 m^3/s = 0.001 L/s).
	quiescentFlow = 1e-6
)

// pipeCoeffs holds the precomputed resistance terms of a pipe or valve:
// headloss h = r*|q|^(n-1)*q + m*|q|*q with q in m^3/s and h in m.
type pipeCoeffs struct {
	r float64
	n float64
	m float64

	// Darcy-Weisbach needs per-iteration friction factors.
	darcy  bool
	length float64
	diam   float64
	rough  float64 // m
	visc   float64 // m^2/s
}

func newPipeCoeffs(l *network.Link, opts *network.Options) pipeCoeffs {
	d := l.Diameter / 1000 // mm -> m
	pc := pipeCoeffs{
		m: minorLossCoeff(l.MinorLoss, d),
	}
	switch opts.Headloss {
	case network.DarcyWeisbach:
		pc.darcy = true
		pc.n = 2
		pc.length = l.Length
		pc.diam = d
		pc.rough = l.Roughness / 1000
		pc.visc = kinVisc * opts.Viscosity
	default: // Hazen-Williams
		pc.n = hwExp
		c := l.Roughness
		if c <= 0 {
			c = 100
		}
		pc.r = 10.674 * l.Length / (math.Pow(c, hwExp) * math.Pow(d, 4.871))
	}
	return pc
}

// valveCoeffs treats a valve as a setting-dependent resistance. For a TCV
// the setting is an additional minor-loss coefficient; other types carry
// their setting but dissipate only their fixed minor loss.
func valveCoeffs(l *network.Link, setting float64) pipeCoeffs {
	d := l.Diameter / 1000
	k := l.MinorLoss
	if l.Valve == network.TCV && setting > 0 {
		k += setting
	}
	if k < 0.1 {
		k = 0.1 // fully open valves keep a token resistance
	}
	return pipeCoeffs{n: 2, m: minorLossCoeff(k, d)}
}

// minorLossCoeff converts a dimensionless loss coefficient K into the m of
// h = m*q^2: m = 8K / (g * pi^2 * d^4).
func minorLossCoeff(k, d float64) float64 {
	if k <= 0 || d <= 0 {
		return 0
	}
	return 8 * k / (gravity * math.Pi * math.Pi * math.Pow(d, 4))
}

// eval returns the headloss h(q) and its gradient dh/dq at flow q (m^3/s).
// The gradient is floored so the linearized system stays positive definite.
func (pc pipeCoeffs) eval(q float64) (h, g float64) {
	aq := math.Abs(q)
	r := pc.r
	n := pc.n
	if pc.darcy {
		r = pc.darcyResistance(aq)
	}
	var hf, gf float64
	if aq > 0 {
		hf = r * math.Pow(aq, n-1) * q
		gf = n * r * math.Pow(aq, n-1)
	}
	hm := pc.m * aq * q
	gm := 2 * pc.m * aq
	h = hf + hm
	g = gf + gm
	if g < minGrad {
		g = minGrad
	}
	return h, g
}

// darcyResistance computes the Darcy-Weisbach r of h = r*q^2 at the current
// flow magnitude, using the laminar relation below Re 2000 and Swamee-Jain
// above it.
func (pc pipeCoeffs) darcyResistance(aq float64) float64 {
	d := pc.diam
	if d <= 0 {
		return 0
	}
	re := 4 * aq / (math.Pi * d * pc.visc)
	if re < 2000 {
		// Hagen-Poiseuille, expressed as an equivalent quadratic
		// resistance at the current flow so eval stays uniform.
		lin := 128 * pc.visc * pc.length / (math.Pi * gravity * math.Pow(d, 4))
		if aq < zeroFlow {
			aq = zeroFlow
		}
		return lin / aq
	}
	f := 0.25 / sq(math.Log10(pc.rough/(3.7*d)+5.74/math.Pow(re, 0.9)))
	return f * 8 * pc.length / (gravity * math.Pi * math.Pi * math.Pow(d, 5))
}

func sq(x float64) float64 { return x * x }

// pumpCurve is a piecewise-linear head-vs-flow characteristic at nominal
// speed, with flows in m^3/s and heads in m. Single-point curves are
// expanded to the conventional synthetic shape: shutoff head at 133% of the
// design head and zero head at twice the design flow.
type pumpCurve struct {
	q []float64
	h []float64
}

func newPumpCurve(c *network.Curve) pumpCurve {
	var pc pumpCurve
	if len(c.X) == 1 {
		qd, hd := c.X[0]/1000, c.Y[0]
		pc.q = []float64{0, qd, 2 * qd}
		pc.h = []float64{4.0 / 3.0 * hd, hd, 0}
		return pc
	}
	pc.q = make([]float64, len(c.X))
	pc.h = make([]float64, len(c.Y))
	for i := range c.X {
		pc.q[i] = c.X[i] / 1000
		pc.h[i] = c.Y[i]
	}
	return pc
}

// gainAt returns the head gain and its (negative) slope at flow q,
// extrapolating the end segments beyond the tabulated range.
func (pc pumpCurve) gainAt(q float64) (gain, slope float64) {
	n := len(pc.q)
	if n == 0 {
		return 0, 0
	}
	if n == 1 {
		return pc.h[0], -minGrad
	}
	i := 1
	for i < n-1 && q > pc.q[i] {
		i++
	}
	slope = (pc.h[i] - pc.h[i-1]) / (pc.q[i] - pc.q[i-1])
	gain = pc.h[i-1] + slope*(q-pc.q[i-1])
	return gain, slope
}

// pumpEval returns the equivalent headloss (negative gain) and gradient for
// a curve pump at relative speed w, using the affinity laws.
func (pc pumpCurve) pumpEval(q, w float64) (h, g float64) {
	gain, slope := pc.gainAt(q / w)
	gain *= w * w
	g = -slope * w
	if g < minGrad {
		g = minGrad
	}
	return -gain, g
}

// powerPumpEval returns the equivalent headloss and gradient for a constant
// power pump: gain = P / (rho*g*q) with P in kW and q in m^3/s.
func powerPumpEval(q, powerKW, w float64) (h, g float64) {
	p := powerKW * w // speed derates deliverable power proportionally
	if q < 1e-6 {
		q = 1e-6
	}
	gain := p / (gravity * q)
	g = p / (gravity * q * q)
	if g < minGrad {
		g = minGrad
	}
	return -gain, g
}
