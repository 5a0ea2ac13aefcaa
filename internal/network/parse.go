package network

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// rawLine is a non-empty, comment-stripped input line with its 1-based
// position, grouped under its section before processing.
type rawLine struct {
	num    int
	fields []string
}

type rawSection struct {
	name  string
	lines []rawLine
}

// LoadFile loads and validates a network definition from a file.
func LoadFile(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Load parses and validates a sectioned network definition. Order within a
// section is preserved (it breaks control/rule priority ties); order across
// sections does not matter. Unknown sections are ignored.
func Load(r io.Reader) (*Model, error) {
	sections, err := scanSections(r)
	if err != nil {
		return nil, err
	}

	m := &Model{
		Times: TimeConfig{
			HydStep:     time.Hour,
			PatternStep: time.Hour,
		},
		Options: Options{
			Headloss:         HazenWilliams,
			Accuracy:         0.001,
			Trials:           40,
			Unbalanced:       UnbalancedStop,
			ExtraTrials:      10,
			DemandMultiplier: 1,
			Viscosity:        1,
			Units:            "LPS",
		},
		Energy: Energy{Efficiency: 75},
	}

	// Sections are processed in dependency order: nodes before links,
	// links before status/controls/rules, regardless of file order.
	order := []string{
		"TITLE", "OPTIONS", "TIMES", "ENERGY",
		"JUNCTIONS", "RESERVOIRS", "TANKS",
		"PIPES", "PUMPS", "VALVES",
		"PATTERNS", "CURVES",
		"STATUS", "DEMANDS",
		"CONTROLS", "RULES",
		"REPORT", "COORDINATES",
	}
	handlers := map[string]func(*Model, rawSection) error{
		"TITLE":       parseTitle,
		"OPTIONS":     parseOptions,
		"TIMES":       parseTimes,
		"ENERGY":      parseEnergy,
		"JUNCTIONS":   parseJunctions,
		"RESERVOIRS":  parseReservoirs,
		"TANKS":       parseTanks,
		"PIPES":       parsePipes,
		"PUMPS":       parsePumps,
		"VALVES":      parseValves,
		"PATTERNS":    parsePatterns,
		"CURVES":      parseCurves,
		"STATUS":      parseStatus,
		"DEMANDS":     parseDemands,
		"CONTROLS":    parseControls,
		"RULES":       parseRules,
		"REPORT":      parseReport,
		"COORDINATES": parseCoordinates,
	}
	for _, name := range order {
		sec, ok := sections[name]
		if !ok {
			continue
		}
		if err := handlers[name](m, sec); err != nil {
			return nil, err
		}
	}

	if m.Times.ReportStep == 0 {
		m.Times.ReportStep = m.Times.HydStep
	}
	if m.Times.QualStep == 0 {
		m.Times.QualStep = m.Times.HydStep
	}

	m.buildIndexes()
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func scanSections(r io.Reader) (map[string]rawSection, error) {
	sections := make(map[string]rawSection)
	current := ""
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if idx := strings.Index(line, ";"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return nil, loadErr(MalformedSection, current, lineNum, "unterminated section header %q", line)
			}
			current = strings.ToUpper(strings.TrimSpace(strings.Trim(line, "[]")))
			if _, ok := sections[current]; !ok {
				sections[current] = rawSection{name: current}
			}
			continue
		}
		if current == "" {
			return nil, loadErr(MalformedSection, "", lineNum, "data before any section header: %q", line)
		}
		sec := sections[current]
		sec.lines = append(sec.lines, rawLine{num: lineNum, fields: strings.Fields(line)})
		sections[current] = sec
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return sections, nil
}

func parseNum(section string, ln rawLine, field string) (float64, error) {
	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return 0, loadErr(MalformedSection, section, ln.num, "invalid numeric field %q", field)
	}
	return v, nil
}

func parseTitle(m *Model, sec rawSection) error {
	for _, ln := range sec.lines {
		m.Title = append(m.Title, strings.Join(ln.fields, " "))
	}
	return nil
}

func (m *Model) addNode(sec string, ln rawLine, n Node) error {
	for i := range m.Nodes {
		if m.Nodes[i].ID == n.ID {
			return loadErr(DuplicateID, sec, ln.num, "node %q already declared as %s", n.ID, m.Nodes[i].Kind)
		}
	}
	m.Nodes = append(m.Nodes, n)
	return nil
}

func (m *Model) addLink(sec string, ln rawLine, l Link, n1, n2 string) error {
	for i := range m.Links {
		if m.Links[i].ID == l.ID {
			return loadErr(DuplicateID, sec, ln.num, "link %q already declared as %s", l.ID, m.Links[i].Kind)
		}
	}
	i1, ok := m.findNode(n1)
	if !ok {
		return loadErr(UnresolvedReference, sec, ln.num, "link %q references unknown node %q", l.ID, n1)
	}
	i2, ok := m.findNode(n2)
	if !ok {
		return loadErr(UnresolvedReference, sec, ln.num, "link %q references unknown node %q", l.ID, n2)
	}
	if i1 == i2 {
		return loadErr(InvalidBounds, sec, ln.num, "link %q connects node %q to itself", l.ID, n1)
	}
	l.Node1, l.Node2 = i1, i2
	m.Links = append(m.Links, l)
	return nil
}

// findNode works before indexes are built.
func (m *Model) findNode(id string) (int, bool) {
	for i := range m.Nodes {
		if m.Nodes[i].ID == id {
			return i, true
		}
	}
	return 0, false
}

func (m *Model) findLink(id string) (int, bool) {
	for i := range m.Links {
		if m.Links[i].ID == id {
			return i, true
		}
	}
	return 0, false
}

func parseJunctions(m *Model, sec rawSection) error {
	for _, ln := range sec.lines {
		if len(ln.fields) < 2 {
			return loadErr(MalformedSection, sec.name, ln.num, "junction needs at least id and elevation")
		}
		n := Node{ID: ln.fields[0], Kind: Junction}
		var err error
		if n.Elevation, err = parseNum(sec.name, ln, ln.fields[1]); err != nil {
			return err
		}
		if len(ln.fields) >= 3 {
			base, err := parseNum(sec.name, ln, ln.fields[2])
			if err != nil {
				return err
			}
			d := Demand{Base: base}
			if len(ln.fields) >= 4 {
				d.Pattern = ln.fields[3]
			}
			n.Demands = append(n.Demands, d)
		}
		if err := m.addNode(sec.name, ln, n); err != nil {
			return err
		}
	}
	return nil
}

func parseReservoirs(m *Model, sec rawSection) error {
	for _, ln := range sec.lines {
		if len(ln.fields) < 2 {
			return loadErr(MalformedSection, sec.name, ln.num, "reservoir needs at least id and head")
		}
		n := Node{ID: ln.fields[0], Kind: Reservoir}
		var err error
		if n.Head, err = parseNum(sec.name, ln, ln.fields[1]); err != nil {
			return err
		}
		n.Elevation = n.Head
		if len(ln.fields) >= 3 {
			n.HeadPattern = ln.fields[2]
		}
		if err := m.addNode(sec.name, ln, n); err != nil {
			return err
		}
	}
	return nil
}

func parseTanks(m *Model, sec rawSection) error {
	for _, ln := range sec.lines {
		if len(ln.fields) < 6 {
			return loadErr(MalformedSection, sec.name, ln.num, "tank needs id, elevation, init/min/max level and diameter")
		}
		n := Node{ID: ln.fields[0], Kind: Tank}
		vals := make([]float64, 5)
		for i := 0; i < 5; i++ {
			v, err := parseNum(sec.name, ln, ln.fields[i+1])
			if err != nil {
				return err
			}
			vals[i] = v
		}
		n.Elevation, n.InitLevel, n.MinLevel, n.MaxLevel, n.Diameter = vals[0], vals[1], vals[2], vals[3], vals[4]
		rest := ln.fields[6:]
		if len(rest) >= 1 {
			v, err := parseNum(sec.name, ln, rest[0])
			if err != nil {
				return err
			}
			n.MinVolume = v
		}
		if len(rest) >= 2 && rest[1] != "*" {
			n.VolCurve = rest[1]
		}
		if len(rest) >= 3 {
			switch strings.ToUpper(rest[2]) {
			case "YES":
				n.Overflow = true
			case "NO":
				n.Overflow = false
			default:
				return loadErr(MalformedSection, sec.name, ln.num, "overflow flag must be YES or NO, got %q", rest[2])
			}
		}
		if err := m.addNode(sec.name, ln, n); err != nil {
			return err
		}
	}
	return nil
}

func parsePipes(m *Model, sec rawSection) error {
	for _, ln := range sec.lines {
		if len(ln.fields) < 6 {
			return loadErr(MalformedSection, sec.name, ln.num, "pipe needs id, nodes, length, diameter and roughness")
		}
		l := Link{ID: ln.fields[0], Kind: Pipe, Status: StatusOpen}
		vals := make([]float64, 3)
		for i := 0; i < 3; i++ {
			v, err := parseNum(sec.name, ln, ln.fields[i+3])
			if err != nil {
				return err
			}
			vals[i] = v
		}
		l.Length, l.Diameter, l.Roughness = vals[0], vals[1], vals[2]
		if len(ln.fields) >= 7 {
			v, err := parseNum(sec.name, ln, ln.fields[6])
			if err != nil {
				return err
			}
			l.MinorLoss = v
		}
		if len(ln.fields) >= 8 {
			s, err := parseStatusWord(sec.name, ln, ln.fields[7])
			if err != nil {
				return err
			}
			l.Status = s
		}
		if err := m.addLink(sec.name, ln, l, ln.fields[1], ln.fields[2]); err != nil {
			return err
		}
	}
	return nil
}

func parseStatusWord(sec string, ln rawLine, w string) (LinkStatus, error) {
	switch strings.ToUpper(w) {
	case "OPEN":
		return StatusOpen, nil
	case "CLOSED":
		return StatusClosed, nil
	case "CV":
		return StatusCV, nil
	}
	return StatusOpen, loadErr(MalformedSection, sec, ln.num, "unknown status %q", w)
}

func parsePumps(m *Model, sec rawSection) error {
	for _, ln := range sec.lines {
		if len(ln.fields) < 5 {
			return loadErr(MalformedSection, sec.name, ln.num, "pump needs id, nodes and at least one property pair")
		}
		l := Link{ID: ln.fields[0], Kind: Pump, Status: StatusOpen, Speed: 1}
		props := ln.fields[3:]
		if len(props)%2 != 0 {
			return loadErr(MalformedSection, sec.name, ln.num, "pump properties must be keyword/value pairs")
		}
		for i := 0; i < len(props); i += 2 {
			key, val := strings.ToUpper(props[i]), props[i+1]
			switch key {
			case "HEAD":
				l.HeadCurve = val
			case "POWER":
				v, err := parseNum(sec.name, ln, val)
				if err != nil {
					return err
				}
				l.Power = v
			case "SPEED":
				v, err := parseNum(sec.name, ln, val)
				if err != nil {
					return err
				}
				l.Speed = v
			case "PATTERN":
				l.SpeedPattern = val
			default:
				return loadErr(MalformedSection, sec.name, ln.num, "unknown pump keyword %q", props[i])
			}
		}
		if err := m.addLink(sec.name, ln, l, ln.fields[1], ln.fields[2]); err != nil {
			return err
		}
	}
	return nil
}

func parseValves(m *Model, sec rawSection) error {
	for _, ln := range sec.lines {
		if len(ln.fields) < 6 {
			return loadErr(MalformedSection, sec.name, ln.num, "valve needs id, nodes, diameter, type and setting")
		}
		l := Link{ID: ln.fields[0], Kind: Valve, Status: StatusOpen}
		d, err := parseNum(sec.name, ln, ln.fields[3])
		if err != nil {
			return err
		}
		l.Diameter = d
		vt, ok := valveTypeFrom(ln.fields[4])
		if !ok {
			return loadErr(MalformedSection, sec.name, ln.num, "unknown valve type %q", ln.fields[4])
		}
		l.Valve = vt
		if l.Setting, err = parseNum(sec.name, ln, ln.fields[5]); err != nil {
			return err
		}
		if len(ln.fields) >= 7 {
			if l.MinorLoss, err = parseNum(sec.name, ln, ln.fields[6]); err != nil {
				return err
			}
		}
		if err := m.addLink(sec.name, ln, l, ln.fields[1], ln.fields[2]); err != nil {
			return err
		}
	}
	return nil
}

func valveTypeFrom(s string) (ValveType, bool) {
	switch strings.ToUpper(s) {
	case "PRV":
		return PRV, true
	case "PSV":
		return PSV, true
	case "PBV":
		return PBV, true
	case "FCV":
		return FCV, true
	case "TCV":
		return TCV, true
	case "GPV":
		return GPV, true
	}
	return 0, false
}

func parsePatterns(m *Model, sec rawSection) error {
	for _, ln := range sec.lines {
		if len(ln.fields) < 2 {
			return loadErr(MalformedSection, sec.name, ln.num, "pattern needs id and at least one multiplier")
		}
		id := ln.fields[0]
		var p *Pattern
		for i := range m.Patterns {
			if m.Patterns[i].ID == id {
				p = &m.Patterns[i]
				break
			}
		}
		if p == nil {
			m.Patterns = append(m.Patterns, Pattern{ID: id})
			p = &m.Patterns[len(m.Patterns)-1]
		}
		for _, f := range ln.fields[1:] {
			v, err := parseNum(sec.name, ln, f)
			if err != nil {
				return err
			}
			p.Multipliers = append(p.Multipliers, v)
		}
	}
	return nil
}

func parseCurves(m *Model, sec rawSection) error {
	for _, ln := range sec.lines {
		if len(ln.fields) != 3 {
			return loadErr(MalformedSection, sec.name, ln.num, "curve line needs id, x and y")
		}
		id := ln.fields[0]
		var c *Curve
		for i := range m.Curves {
			if m.Curves[i].ID == id {
				c = &m.Curves[i]
				break
			}
		}
		if c == nil {
			m.Curves = append(m.Curves, Curve{ID: id})
			c = &m.Curves[len(m.Curves)-1]
		}
		x, err := parseNum(sec.name, ln, ln.fields[1])
		if err != nil {
			return err
		}
		y, err := parseNum(sec.name, ln, ln.fields[2])
		if err != nil {
			return err
		}
		if n := len(c.X); n > 0 && x <= c.X[n-1] {
			return loadErr(InvalidBounds, sec.name, ln.num, "curve %q X values must be strictly increasing", id)
		}
		c.X = append(c.X, x)
		c.Y = append(c.Y, y)
	}
	return nil
}

func parseStatus(m *Model, sec rawSection) error {
	for _, ln := range sec.lines {
		if len(ln.fields) != 2 {
			return loadErr(MalformedSection, sec.name, ln.num, "status line needs link id and value")
		}
		li, ok := m.findLink(ln.fields[0])
		if !ok {
			return loadErr(UnresolvedReference, sec.name, ln.num, "status references unknown link %q", ln.fields[0])
		}
		l := &m.Links[li]
		word := strings.ToUpper(ln.fields[1])
		switch word {
		case "OPEN":
			l.Status = StatusOpen
		case "CLOSED":
			l.Status = StatusClosed
		default:
			v, err := parseNum(sec.name, ln, ln.fields[1])
			if err != nil {
				return err
			}
			switch l.Kind {
			case Pump:
				l.Speed = v
			case Valve:
				l.Setting = v
			default:
				return loadErr(MalformedSection, sec.name, ln.num, "numeric status applies only to pumps and valves")
			}
		}
	}
	return nil
}

func parseDemands(m *Model, sec rawSection) error {
	for _, ln := range sec.lines {
		if len(ln.fields) < 2 {
			return loadErr(MalformedSection, sec.name, ln.num, "demand line needs junction id and base demand")
		}
		ni, ok := m.findNode(ln.fields[0])
		if !ok {
			return loadErr(UnresolvedReference, sec.name, ln.num, "demand references unknown node %q", ln.fields[0])
		}
		if m.Nodes[ni].Kind != Junction {
			return loadErr(MalformedSection, sec.name, ln.num, "demands apply only to junctions, %q is a %s", ln.fields[0], m.Nodes[ni].Kind)
		}
		base, err := parseNum(sec.name, ln, ln.fields[1])
		if err != nil {
			return err
		}
		d := Demand{Base: base}
		if len(ln.fields) >= 3 {
			d.Pattern = ln.fields[2]
		}
		m.Nodes[ni].Demands = append(m.Nodes[ni].Demands, d)
	}
	return nil
}

func parseEnergy(m *Model, sec rawSection) error {
	for _, ln := range sec.lines {
		key := strings.ToUpper(ln.fields[0])
		if key != "GLOBAL" || len(ln.fields) < 3 {
			// Per-pump energy lines and demand charge variants are accepted
			// but only the global parameters participate in accounting.
			if key == "DEMAND" && len(ln.fields) >= 3 {
				v, err := parseNum(sec.name, ln, ln.fields[2])
				if err != nil {
					return err
				}
				m.Energy.DemandCharge = v
			}
			continue
		}
		v, err := parseNum(sec.name, ln, ln.fields[2])
		if err != nil {
			return err
		}
		switch strings.ToUpper(ln.fields[1]) {
		case "EFFICIENCY", "EFFIC":
			m.Energy.Efficiency = v
		case "PRICE":
			m.Energy.Price = v
		}
	}
	return nil
}

func parseTimes(m *Model, sec rawSection) error {
	for _, ln := range sec.lines {
		key := strings.ToUpper(ln.fields[0])
		rest := ln.fields[1:]
		if len(rest) >= 1 {
			if second := strings.ToUpper(rest[0]); second == "TIMESTEP" || second == "START" || second == "CLOCKTIME" {
				key += " " + second
				rest = rest[1:]
			}
		}
		if len(rest) == 0 {
			return loadErr(MalformedSection, sec.name, ln.num, "missing value for %q", key)
		}
		switch key {
		case "DURATION":
			d, err := parseDuration(sec.name, ln, rest)
			if err != nil {
				return err
			}
			m.Times.Duration = d
		case "HYDRAULIC TIMESTEP":
			d, err := parseDuration(sec.name, ln, rest)
			if err != nil {
				return err
			}
			m.Times.HydStep = d
		case "QUALITY TIMESTEP":
			d, err := parseDuration(sec.name, ln, rest)
			if err != nil {
				return err
			}
			m.Times.QualStep = d
		case "PATTERN TIMESTEP":
			d, err := parseDuration(sec.name, ln, rest)
			if err != nil {
				return err
			}
			m.Times.PatternStep = d
		case "PATTERN START":
			d, err := parseDuration(sec.name, ln, rest)
			if err != nil {
				return err
			}
			m.Times.PatternStart = d
		case "REPORT TIMESTEP":
			d, err := parseDuration(sec.name, ln, rest)
			if err != nil {
				return err
			}
			m.Times.ReportStep = d
		case "REPORT START":
			d, err := parseDuration(sec.name, ln, rest)
			if err != nil {
				return err
			}
			m.Times.ReportStart = d
		case "START CLOCKTIME":
			d, err := parseClockTime(sec.name, ln, rest)
			if err != nil {
				return err
			}
			m.Times.ClockStart = d
		case "STATISTIC":
			// reporting statistic modes are not modeled
		default:
			// unknown time option, ignore like unknown sections
		}
	}
	return nil
}

// parseDuration accepts "HH:MM", "HH:MM:SS", a decimal number of hours, or a
// number followed by a unit word (SECONDS, MINUTES, HOURS, DAYS).
func parseDuration(sec string, ln rawLine, fields []string) (time.Duration, error) {
	val := fields[0]
	if strings.Contains(val, ":") {
		parts := strings.Split(val, ":")
		if len(parts) > 3 {
			return 0, loadErr(MalformedSection, sec, ln.num, "invalid time %q", val)
		}
		var total float64
		mult := []float64{3600, 60, 1}
		for i, p := range parts {
			v, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return 0, loadErr(MalformedSection, sec, ln.num, "invalid time %q", val)
			}
			total += v * mult[i]
		}
		return time.Duration(total * float64(time.Second)), nil
	}
	v, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, loadErr(MalformedSection, sec, ln.num, "invalid time %q", val)
	}
	unit := "HOURS"
	if len(fields) >= 2 {
		unit = strings.ToUpper(fields[1])
	}
	switch unit {
	case "SECONDS", "SECOND", "SEC", "S":
		return time.Duration(v * float64(time.Second)), nil
	case "MINUTES", "MINUTE", "MIN", "M":
		return time.Duration(v * float64(time.Minute)), nil
	case "HOURS", "HOUR", "HR", "H":
		return time.Duration(v * float64(time.Hour)), nil
	case "DAYS", "DAY", "D":
		return time.Duration(v * 24 * float64(time.Hour)), nil
	}
	return 0, loadErr(MalformedSection, sec, ln.num, "unknown time unit %q", unit)
}

// parseClockTime accepts "HH:MM[:SS]" or "H[:MM]" with an optional AM/PM.
func parseClockTime(sec string, ln rawLine, fields []string) (time.Duration, error) {
	d, err := parseDuration(sec, ln, fields[:1])
	if err != nil {
		return 0, err
	}
	if len(fields) >= 2 {
		switch strings.ToUpper(fields[1]) {
		case "AM":
			if d >= 12*time.Hour && d < 13*time.Hour {
				d -= 12 * time.Hour // 12 AM is midnight
			}
		case "PM":
			if d < 12*time.Hour {
				d += 12 * time.Hour
			}
		default:
			return 0, loadErr(MalformedSection, sec, ln.num, "expected AM or PM, got %q", fields[1])
		}
	}
	return d, nil
}

func parseOptions(m *Model, sec rawSection) error {
	for _, ln := range sec.lines {
		key := strings.ToUpper(ln.fields[0])
		rest := ln.fields[1:]
		switch key {
		case "UNITS":
			if len(rest) >= 1 {
				m.Options.Units = strings.ToUpper(rest[0])
			}
		case "HEADLOSS":
			if len(rest) < 1 {
				return loadErr(MalformedSection, sec.name, ln.num, "missing headloss formula")
			}
			switch strings.ToUpper(rest[0]) {
			case "H-W", "HW":
				m.Options.Headloss = HazenWilliams
			case "D-W", "DW":
				m.Options.Headloss = DarcyWeisbach
			default:
				return loadErr(MalformedSection, sec.name, ln.num, "unsupported headloss formula %q", rest[0])
			}
		case "ACCURACY":
			v, err := optionNum(sec.name, ln, rest)
			if err != nil {
				return err
			}
			m.Options.Accuracy = v
		case "TRIALS":
			v, err := optionNum(sec.name, ln, rest)
			if err != nil {
				return err
			}
			m.Options.Trials = int(v)
		case "DAMPLIMIT":
			v, err := optionNum(sec.name, ln, rest)
			if err != nil {
				return err
			}
			m.Options.DampLimit = v
		case "VISCOSITY":
			v, err := optionNum(sec.name, ln, rest)
			if err != nil {
				return err
			}
			m.Options.Viscosity = v
		case "UNBALANCED":
			if len(rest) < 1 {
				return loadErr(MalformedSection, sec.name, ln.num, "missing unbalanced policy")
			}
			switch strings.ToUpper(rest[0]) {
			case "STOP":
				m.Options.Unbalanced = UnbalancedStop
			case "CONTINUE":
				m.Options.Unbalanced = UnbalancedContinue
				if len(rest) >= 2 {
					v, err := parseNum(sec.name, ln, rest[1])
					if err != nil {
						return err
					}
					m.Options.ExtraTrials = int(v)
				}
			default:
				return loadErr(MalformedSection, sec.name, ln.num, "unbalanced policy must be STOP or CONTINUE, got %q", rest[0])
			}
		case "DEMAND":
			// DEMAND MULTIPLIER v
			if len(rest) >= 2 && strings.ToUpper(rest[0]) == "MULTIPLIER" {
				v, err := parseNum(sec.name, ln, rest[1])
				if err != nil {
					return err
				}
				m.Options.DemandMultiplier = v
			}
		case "PATTERN":
			if len(rest) >= 1 {
				m.Options.DefaultPattern = rest[0]
			}
		default:
			// quality, reactions and other analysis options are out of scope
		}
	}
	return nil
}

func optionNum(sec string, ln rawLine, rest []string) (float64, error) {
	if len(rest) < 1 {
		return 0, loadErr(MalformedSection, sec, ln.num, "missing option value")
	}
	return parseNum(sec, ln, rest[0])
}

func parseControls(m *Model, sec rawSection) error {
	for _, ln := range sec.lines {
		f := ln.fields
		if len(f) < 5 || strings.ToUpper(f[0]) != "LINK" {
			return loadErr(MalformedSection, sec.name, ln.num, "control must start with LINK <id> <status>")
		}
		li, ok := m.findLink(f[1])
		if !ok {
			return loadErr(UnresolvedReference, sec.name, ln.num, "control references unknown link %q", f[1])
		}
		act, err := parseActionValue(sec.name, ln, li, f[2])
		if err != nil {
			return err
		}
		c := Control{Action: act, Seq: len(m.Controls)}
		switch strings.ToUpper(f[3]) {
		case "IF":
			// LINK x v IF NODE y ABOVE/BELOW z
			if len(f) != 8 || strings.ToUpper(f[4]) != "NODE" {
				return loadErr(MalformedSection, sec.name, ln.num, "expected IF NODE <id> ABOVE|BELOW <value>")
			}
			ni, ok := m.findNode(f[5])
			if !ok {
				return loadErr(UnresolvedReference, sec.name, ln.num, "control references unknown node %q", f[5])
			}
			c.Node = ni
			switch strings.ToUpper(f[6]) {
			case "ABOVE":
				c.Trigger = TriggerAbove
			case "BELOW":
				c.Trigger = TriggerBelow
			default:
				return loadErr(MalformedSection, sec.name, ln.num, "expected ABOVE or BELOW, got %q", f[6])
			}
			if c.Level, err = parseNum(sec.name, ln, f[7]); err != nil {
				return err
			}
		case "AT":
			if len(f) < 6 {
				return loadErr(MalformedSection, sec.name, ln.num, "AT %s needs a time value", strings.ToUpper(f[4]))
			}
			switch strings.ToUpper(f[4]) {
			case "TIME":
				c.Trigger = TriggerTime
				if c.At, err = parseDuration(sec.name, ln, f[5:]); err != nil {
					return err
				}
			case "CLOCKTIME":
				c.Trigger = TriggerClock
				if c.At, err = parseClockTime(sec.name, ln, f[5:]); err != nil {
					return err
				}
			default:
				return loadErr(MalformedSection, sec.name, ln.num, "expected AT TIME or AT CLOCKTIME")
			}
		default:
			return loadErr(MalformedSection, sec.name, ln.num, "expected IF or AT, got %q", f[3])
		}
		m.Controls = append(m.Controls, c)
	}
	return nil
}

func parseActionValue(sec string, ln rawLine, link int, word string) (Action, error) {
	a := Action{Link: link}
	switch strings.ToUpper(word) {
	case "OPEN":
		a.Status = StatusOpen
	case "CLOSED":
		a.Status = StatusClosed
	default:
		v, err := parseNum(sec, ln, word)
		if err != nil {
			return a, err
		}
		a.HasSetting = true
		a.Setting = v
	}
	return a, nil
}

func parseReport(m *Model, sec rawSection) error {
	for _, ln := range sec.lines {
		m.Report = append(m.Report, strings.Join(ln.fields, " "))
	}
	return nil
}

func parseCoordinates(m *Model, sec rawSection) error {
	for _, ln := range sec.lines {
		if len(ln.fields) != 3 {
			return loadErr(MalformedSection, sec.name, ln.num, "coordinate line needs node id, x and y")
		}
		ni, ok := m.findNode(ln.fields[0])
		if !ok {
			return loadErr(UnresolvedReference, sec.name, ln.num, "coordinates reference unknown node %q", ln.fields[0])
		}
		x, err := parseNum(sec.name, ln, ln.fields[1])
		if err != nil {
			return err
		}
		y, err := parseNum(sec.name, ln, ln.fields[2])
		if err != nil {
			return err
		}
		m.Nodes[ni].X, m.Nodes[ni].Y, m.Nodes[ni].HasXY = x, y, true
	}
	return nil
}

// validate runs the cross-reference checks that need the complete model.
func (m *Model) validate() error {
	patOK := func(name string) bool {
		return name == "" || m.PatternByID(name) != nil
	}
	for i := range m.Nodes {
		n := &m.Nodes[i]
		switch n.Kind {
		case Junction:
			for _, d := range n.Demands {
				if !patOK(d.Pattern) {
					return loadErr(UnresolvedReference, "JUNCTIONS", 0, "junction %q references unknown pattern %q", n.ID, d.Pattern)
				}
			}
		case Reservoir:
			if !patOK(n.HeadPattern) {
				return loadErr(UnresolvedReference, "RESERVOIRS", 0, "reservoir %q references unknown pattern %q", n.ID, n.HeadPattern)
			}
		case Tank:
			if !(n.MinLevel <= n.InitLevel && n.InitLevel <= n.MaxLevel) {
				return loadErr(InvalidBounds, "TANKS", 0, "tank %q levels must satisfy min <= init <= max (%g, %g, %g)", n.ID, n.MinLevel, n.InitLevel, n.MaxLevel)
			}
			if n.VolCurve == "" && n.Diameter <= 0 {
				return loadErr(InvalidBounds, "TANKS", 0, "tank %q needs a positive diameter or a volume curve", n.ID)
			}
			if n.VolCurve != "" && m.CurveByID(n.VolCurve) == nil {
				return loadErr(UnresolvedReference, "TANKS", 0, "tank %q references unknown volume curve %q", n.ID, n.VolCurve)
			}
		}
	}
	for i := range m.Links {
		l := &m.Links[i]
		if l.Kind != Pump {
			continue
		}
		if (l.HeadCurve == "") == (l.Power == 0) {
			return loadErr(MalformedSection, "PUMPS", 0, "pump %q needs exactly one of HEAD curve or POWER rating", l.ID)
		}
		if l.HeadCurve != "" {
			c := m.CurveByID(l.HeadCurve)
			if c == nil {
				return loadErr(UnresolvedReference, "PUMPS", 0, "pump %q references unknown curve %q", l.ID, l.HeadCurve)
			}
			for j := 1; j < len(c.Y); j++ {
				if c.Y[j] >= c.Y[j-1] {
					return loadErr(InvalidBounds, "CURVES", 0, "pump %q head curve %q must be strictly decreasing", l.ID, c.ID)
				}
			}
		}
		if !patOK(l.SpeedPattern) {
			return loadErr(UnresolvedReference, "PUMPS", 0, "pump %q references unknown pattern %q", l.ID, l.SpeedPattern)
		}
	}
	if m.Options.DefaultPattern != "" && m.PatternByID(m.Options.DefaultPattern) == nil {
		return loadErr(UnresolvedReference, "OPTIONS", 0, "default pattern %q is not defined", m.Options.DefaultPattern)
	}
	for i := range m.Patterns {
		if len(m.Patterns[i].Multipliers) == 0 {
			return loadErr(MalformedSection, "PATTERNS", 0, "pattern %q has no multipliers", m.Patterns[i].ID)
		}
	}
	return nil
}

// FormatDuration renders a duration in the HH:MM or HH:MM:SS form used by
// the definition format.
func FormatDuration(d time.Duration) string {
	total := int64(d / time.Second)
	h := total / 3600
	min := (total % 3600) / 60
	s := total % 60
	if s == 0 {
		return fmt.Sprintf("%d:%02d", h, min)
	}
	return fmt.Sprintf("%d:%02d:%02d", h, min, s)
}
