package network

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"time"
)

func fnum(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Write serializes the model in canonical section order. Loading the output
// yields a structurally identical model.
func (m *Model) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)

	if len(m.Title) > 0 {
		fmt.Fprintln(bw, "[TITLE]")
		for _, t := range m.Title {
			fmt.Fprintln(bw, t)
		}
		fmt.Fprintln(bw)
	}

	fmt.Fprintln(bw, "[JUNCTIONS]")
	for i := range m.Nodes {
		n := &m.Nodes[i]
		if n.Kind != Junction {
			continue
		}
		fmt.Fprintf(bw, "%s\t%s", n.ID, fnum(n.Elevation))
		if len(n.Demands) > 0 {
			fmt.Fprintf(bw, "\t%s", fnum(n.Demands[0].Base))
			if n.Demands[0].Pattern != "" {
				fmt.Fprintf(bw, "\t%s", n.Demands[0].Pattern)
			}
		}
		fmt.Fprintln(bw)
	}
	fmt.Fprintln(bw)

	fmt.Fprintln(bw, "[RESERVOIRS]")
	for i := range m.Nodes {
		n := &m.Nodes[i]
		if n.Kind != Reservoir {
			continue
		}
		fmt.Fprintf(bw, "%s\t%s", n.ID, fnum(n.Head))
		if n.HeadPattern != "" {
			fmt.Fprintf(bw, "\t%s", n.HeadPattern)
		}
		fmt.Fprintln(bw)
	}
	fmt.Fprintln(bw)

	fmt.Fprintln(bw, "[TANKS]")
	for i := range m.Nodes {
		n := &m.Nodes[i]
		if n.Kind != Tank {
			continue
		}
		fmt.Fprintf(bw, "%s\t%s\t%s\t%s\t%s\t%s\t%s", n.ID,
			fnum(n.Elevation), fnum(n.InitLevel), fnum(n.MinLevel),
			fnum(n.MaxLevel), fnum(n.Diameter), fnum(n.MinVolume))
		if n.VolCurve != "" || n.Overflow {
			vc := n.VolCurve
			if vc == "" {
				vc = "*"
			}
			fmt.Fprintf(bw, "\t%s", vc)
			if n.Overflow {
				fmt.Fprintf(bw, "\tYES")
			}
		}
		fmt.Fprintln(bw)
	}
	fmt.Fprintln(bw)

	fmt.Fprintln(bw, "[PIPES]")
	for i := range m.Links {
		l := &m.Links[i]
		if l.Kind != Pipe {
			continue
		}
		fmt.Fprintf(bw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", l.ID,
			m.Nodes[l.Node1].ID, m.Nodes[l.Node2].ID,
			fnum(l.Length), fnum(l.Diameter), fnum(l.Roughness),
			fnum(l.MinorLoss), l.Status)
	}
	fmt.Fprintln(bw)

	fmt.Fprintln(bw, "[PUMPS]")
	for i := range m.Links {
		l := &m.Links[i]
		if l.Kind != Pump {
			continue
		}
		fmt.Fprintf(bw, "%s\t%s\t%s", l.ID, m.Nodes[l.Node1].ID, m.Nodes[l.Node2].ID)
		if l.HeadCurve != "" {
			fmt.Fprintf(bw, "\tHEAD\t%s", l.HeadCurve)
		}
		if l.Power != 0 {
			fmt.Fprintf(bw, "\tPOWER\t%s", fnum(l.Power))
		}
		if l.Speed != 1 {
			fmt.Fprintf(bw, "\tSPEED\t%s", fnum(l.Speed))
		}
		if l.SpeedPattern != "" {
			fmt.Fprintf(bw, "\tPATTERN\t%s", l.SpeedPattern)
		}
		fmt.Fprintln(bw)
	}
	fmt.Fprintln(bw)

	fmt.Fprintln(bw, "[VALVES]")
	for i := range m.Links {
		l := &m.Links[i]
		if l.Kind != Valve {
			continue
		}
		fmt.Fprintf(bw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", l.ID,
			m.Nodes[l.Node1].ID, m.Nodes[l.Node2].ID,
			fnum(l.Diameter), l.Valve, fnum(l.Setting), fnum(l.MinorLoss))
	}
	fmt.Fprintln(bw)

	if n := m.statusOverrides(); len(n) > 0 {
		fmt.Fprintln(bw, "[STATUS]")
		for _, line := range n {
			fmt.Fprintln(bw, line)
		}
		fmt.Fprintln(bw)
	}

	if hasExtraDemands(m) {
		fmt.Fprintln(bw, "[DEMANDS]")
		for i := range m.Nodes {
			n := &m.Nodes[i]
			if n.Kind != Junction {
				continue
			}
			for _, d := range n.Demands[min(1, len(n.Demands)):] {
				fmt.Fprintf(bw, "%s\t%s", n.ID, fnum(d.Base))
				if d.Pattern != "" {
					fmt.Fprintf(bw, "\t%s", d.Pattern)
				}
				fmt.Fprintln(bw)
			}
		}
		fmt.Fprintln(bw)
	}

	if len(m.Patterns) > 0 {
		fmt.Fprintln(bw, "[PATTERNS]")
		for i := range m.Patterns {
			p := &m.Patterns[i]
			for j := 0; j < len(p.Multipliers); j += 6 {
				end := min(j+6, len(p.Multipliers))
				fmt.Fprintf(bw, "%s", p.ID)
				for _, v := range p.Multipliers[j:end] {
					fmt.Fprintf(bw, "\t%s", fnum(v))
				}
				fmt.Fprintln(bw)
			}
		}
		fmt.Fprintln(bw)
	}

	if len(m.Curves) > 0 {
		fmt.Fprintln(bw, "[CURVES]")
		for i := range m.Curves {
			c := &m.Curves[i]
			for j := range c.X {
				fmt.Fprintf(bw, "%s\t%s\t%s\n", c.ID, fnum(c.X[j]), fnum(c.Y[j]))
			}
		}
		fmt.Fprintln(bw)
	}

	if len(m.Controls) > 0 {
		fmt.Fprintln(bw, "[CONTROLS]")
		for i := range m.Controls {
			c := &m.Controls[i]
			fmt.Fprintf(bw, "LINK\t%s\t%s", m.Links[c.Action.Link].ID, actionValue(c.Action))
			switch c.Trigger {
			case TriggerAbove:
				fmt.Fprintf(bw, "\tIF\tNODE\t%s\tABOVE\t%s", m.Nodes[c.Node].ID, fnum(c.Level))
			case TriggerBelow:
				fmt.Fprintf(bw, "\tIF\tNODE\t%s\tBELOW\t%s", m.Nodes[c.Node].ID, fnum(c.Level))
			case TriggerTime:
				fmt.Fprintf(bw, "\tAT\tTIME\t%s", FormatDuration(c.At))
			case TriggerClock:
				fmt.Fprintf(bw, "\tAT\tCLOCKTIME\t%s", FormatDuration(c.At))
			}
			fmt.Fprintln(bw)
		}
		fmt.Fprintln(bw)
	}

	if len(m.Rules) > 0 {
		fmt.Fprintln(bw, "[RULES]")
		for i := range m.Rules {
			r := &m.Rules[i]
			fmt.Fprintf(bw, "RULE\t%s\n", r.Name)
			for j, c := range r.Conditions {
				kw := "AND"
				if j == 0 {
					kw = "IF"
				}
				fmt.Fprintf(bw, "%s\t%s\n", kw, m.conditionText(c))
			}
			for j, a := range r.Actions {
				kw := "AND"
				if j == 0 {
					kw = "THEN"
				}
				fmt.Fprintf(bw, "%s\t%s\n", kw, m.actionText(a))
			}
			if r.Priority != 0 {
				fmt.Fprintf(bw, "PRIORITY\t%s\n", fnum(r.Priority))
			}
		}
		fmt.Fprintln(bw)
	}

	fmt.Fprintln(bw, "[ENERGY]")
	fmt.Fprintf(bw, "GLOBAL\tEFFICIENCY\t%s\n", fnum(m.Energy.Efficiency))
	fmt.Fprintf(bw, "GLOBAL\tPRICE\t%s\n", fnum(m.Energy.Price))
	fmt.Fprintf(bw, "DEMAND\tCHARGE\t%s\n", fnum(m.Energy.DemandCharge))
	fmt.Fprintln(bw)

	fmt.Fprintln(bw, "[TIMES]")
	fmt.Fprintf(bw, "DURATION\t%s\n", FormatDuration(m.Times.Duration))
	fmt.Fprintf(bw, "HYDRAULIC\tTIMESTEP\t%s\n", FormatDuration(m.Times.HydStep))
	fmt.Fprintf(bw, "QUALITY\tTIMESTEP\t%s\n", FormatDuration(m.Times.QualStep))
	fmt.Fprintf(bw, "PATTERN\tTIMESTEP\t%s\n", FormatDuration(m.Times.PatternStep))
	fmt.Fprintf(bw, "PATTERN\tSTART\t%s\n", FormatDuration(m.Times.PatternStart))
	fmt.Fprintf(bw, "REPORT\tTIMESTEP\t%s\n", FormatDuration(m.Times.ReportStep))
	fmt.Fprintf(bw, "REPORT\tSTART\t%s\n", FormatDuration(m.Times.ReportStart))
	fmt.Fprintf(bw, "START\tCLOCKTIME\t%s\n", FormatDuration(m.Times.ClockStart))
	fmt.Fprintln(bw)

	fmt.Fprintln(bw, "[OPTIONS]")
	fmt.Fprintf(bw, "UNITS\t%s\n", m.Options.Units)
	fmt.Fprintf(bw, "HEADLOSS\t%s\n", m.Options.Headloss)
	fmt.Fprintf(bw, "ACCURACY\t%s\n", fnum(m.Options.Accuracy))
	fmt.Fprintf(bw, "TRIALS\t%d\n", m.Options.Trials)
	if m.Options.Unbalanced == UnbalancedContinue {
		fmt.Fprintf(bw, "UNBALANCED\tCONTINUE\t%d\n", m.Options.ExtraTrials)
	} else {
		fmt.Fprintln(bw, "UNBALANCED\tSTOP")
	}
	fmt.Fprintf(bw, "DEMAND\tMULTIPLIER\t%s\n", fnum(m.Options.DemandMultiplier))
	fmt.Fprintf(bw, "DAMPLIMIT\t%s\n", fnum(m.Options.DampLimit))
	fmt.Fprintf(bw, "VISCOSITY\t%s\n", fnum(m.Options.Viscosity))
	if m.Options.DefaultPattern != "" {
		fmt.Fprintf(bw, "PATTERN\t%s\n", m.Options.DefaultPattern)
	}
	fmt.Fprintln(bw)

	if len(m.Report) > 0 {
		fmt.Fprintln(bw, "[REPORT]")
		for _, line := range m.Report {
			fmt.Fprintln(bw, line)
		}
		fmt.Fprintln(bw)
	}

	if anyXY(m) {
		fmt.Fprintln(bw, "[COORDINATES]")
		for i := range m.Nodes {
			n := &m.Nodes[i]
			if n.HasXY {
				fmt.Fprintf(bw, "%s\t%s\t%s\n", n.ID, fnum(n.X), fnum(n.Y))
			}
		}
		fmt.Fprintln(bw)
	}

	fmt.Fprintln(bw, "[END]")
	return bw.Flush()
}

func (m *Model) statusOverrides() []string {
	var out []string
	for i := range m.Links {
		l := &m.Links[i]
		switch l.Kind {
		case Pump, Valve:
			if l.Status == StatusClosed {
				out = append(out, fmt.Sprintf("%s\tCLOSED", l.ID))
			}
		}
	}
	return out
}

func hasExtraDemands(m *Model) bool {
	for i := range m.Nodes {
		if m.Nodes[i].Kind == Junction && len(m.Nodes[i].Demands) > 1 {
			return true
		}
	}
	return false
}

func anyXY(m *Model) bool {
	for i := range m.Nodes {
		if m.Nodes[i].HasXY {
			return true
		}
	}
	return false
}

func actionValue(a Action) string {
	if a.HasSetting {
		return fnum(a.Setting)
	}
	return a.Status.String()
}

func (m *Model) conditionText(c Condition) string {
	var obj string
	switch c.Object {
	case ObjSystem:
		obj = "SYSTEM"
	case ObjNode:
		obj = "NODE\t" + m.Nodes[c.Index].ID
	case ObjLink:
		obj = "LINK\t" + m.Links[c.Index].ID
	}
	var val string
	switch c.Attr {
	case AttrStatus:
		val = c.Status.String()
	case AttrTime, AttrClockTime:
		val = FormatDuration(time.Duration(c.Value * float64(time.Second)))
	default:
		val = fnum(c.Value)
	}
	return fmt.Sprintf("%s\t%s\t%s\t%s", obj, attrText(c.Attr), opText(c.Op), val)
}

func (m *Model) actionText(a Action) string {
	if a.HasSetting {
		return fmt.Sprintf("LINK\t%s\tSETTING\tIS\t%s", m.Links[a.Link].ID, fnum(a.Setting))
	}
	return fmt.Sprintf("LINK\t%s\tSTATUS\tIS\t%s", m.Links[a.Link].ID, a.Status)
}

func attrText(a RuleAttr) string {
	switch a {
	case AttrLevel:
		return "LEVEL"
	case AttrHead:
		return "HEAD"
	case AttrPressure:
		return "PRESSURE"
	case AttrDemand:
		return "DEMAND"
	case AttrFlow:
		return "FLOW"
	case AttrStatus:
		return "STATUS"
	case AttrSetting:
		return "SETTING"
	case AttrTime:
		return "TIME"
	case AttrClockTime:
		return "CLOCKTIME"
	}
	return "?"
}

func opText(o RuleOp) string {
	switch o {
	case OpEQ:
		return "="
	case OpNE:
		return "<>"
	case OpLT:
		return "<"
	case OpGT:
		return ">"
	case OpLE:
		return "<="
	case OpGE:
		return ">="
	}
	return "?"
}
