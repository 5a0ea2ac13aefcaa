package network

import "strings"

// parseRules reads the [RULES] section: RULE <name>, IF/AND condition
// clauses, THEN/AND action clauses, and an optional PRIORITY. OR and ELSE
// clauses are not part of the rule model and are rejected rather than
// silently mis-evaluated.
func parseRules(m *Model, sec rawSection) error {
	var cur *Rule
	inActions := false
	flush := func() {
		if cur != nil {
			cur.Seq = len(m.Rules)
			m.Rules = append(m.Rules, *cur)
			cur = nil
		}
	}
	for _, ln := range sec.lines {
		key := strings.ToUpper(ln.fields[0])
		switch key {
		case "RULE":
			flush()
			if len(ln.fields) < 2 {
				return loadErr(MalformedSection, sec.name, ln.num, "rule needs a name")
			}
			cur = &Rule{Name: ln.fields[1]}
			inActions = false
		case "IF":
			if cur == nil || len(cur.Conditions) > 0 {
				return loadErr(MalformedSection, sec.name, ln.num, "IF must be the first clause of a rule")
			}
			cond, err := m.parseRuleCondition(sec.name, ln, ln.fields[1:])
			if err != nil {
				return err
			}
			cur.Conditions = append(cur.Conditions, cond)
		case "AND":
			if cur == nil {
				return loadErr(MalformedSection, sec.name, ln.num, "AND outside of a rule")
			}
			if inActions {
				act, err := m.parseRuleAction(sec.name, ln, ln.fields[1:])
				if err != nil {
					return err
				}
				cur.Actions = append(cur.Actions, act)
			} else {
				cond, err := m.parseRuleCondition(sec.name, ln, ln.fields[1:])
				if err != nil {
					return err
				}
				cur.Conditions = append(cur.Conditions, cond)
			}
		case "THEN":
			if cur == nil || len(cur.Conditions) == 0 {
				return loadErr(MalformedSection, sec.name, ln.num, "THEN requires a preceding IF")
			}
			inActions = true
			act, err := m.parseRuleAction(sec.name, ln, ln.fields[1:])
			if err != nil {
				return err
			}
			cur.Actions = append(cur.Actions, act)
		case "PRIORITY":
			if cur == nil || !inActions {
				return loadErr(MalformedSection, sec.name, ln.num, "PRIORITY requires a complete rule")
			}
			if len(ln.fields) < 2 {
				return loadErr(MalformedSection, sec.name, ln.num, "PRIORITY needs a value")
			}
			v, err := parseNum(sec.name, ln, ln.fields[1])
			if err != nil {
				return err
			}
			cur.Priority = v
		case "OR", "ELSE":
			return loadErr(MalformedSection, sec.name, ln.num, "%s clauses are not supported", key)
		default:
			return loadErr(MalformedSection, sec.name, ln.num, "unknown rule clause %q", ln.fields[0])
		}
	}
	flush()
	for i := range m.Rules {
		if len(m.Rules[i].Actions) == 0 {
			return loadErr(MalformedSection, sec.name, 0, "rule %q has no actions", m.Rules[i].Name)
		}
	}
	return nil
}

// parseRuleCondition parses "<object> [id] <attribute> <op> <value>".
func (m *Model) parseRuleCondition(sec string, ln rawLine, f []string) (Condition, error) {
	var c Condition
	if len(f) < 3 {
		return c, loadErr(MalformedSection, sec, ln.num, "incomplete rule condition")
	}
	obj := strings.ToUpper(f[0])
	switch obj {
	case "SYSTEM":
		c.Object = ObjSystem
		f = f[1:]
	case "NODE", "JUNCTION", "RESERVOIR", "TANK":
		c.Object = ObjNode
		ni, ok := m.findNode(f[1])
		if !ok {
			return c, loadErr(UnresolvedReference, sec, ln.num, "rule references unknown node %q", f[1])
		}
		c.Index = ni
		f = f[2:]
	case "LINK", "PIPE", "PUMP", "VALVE":
		c.Object = ObjLink
		li, ok := m.findLink(f[1])
		if !ok {
			return c, loadErr(UnresolvedReference, sec, ln.num, "rule references unknown link %q", f[1])
		}
		c.Index = li
		f = f[2:]
	default:
		return c, loadErr(MalformedSection, sec, ln.num, "unknown rule object %q", f[0])
	}
	if len(f) < 2 {
		return c, loadErr(MalformedSection, sec, ln.num, "incomplete rule condition")
	}
	attr, ok := ruleAttrFrom(f[0])
	if !ok {
		return c, loadErr(MalformedSection, sec, ln.num, "unknown rule attribute %q", f[0])
	}
	c.Attr = attr
	op, ok := ruleOpFrom(f[1])
	if !ok {
		return c, loadErr(MalformedSection, sec, ln.num, "unknown rule operator %q", f[1])
	}
	c.Op = op
	val := f[2:]
	if len(val) == 0 {
		return c, loadErr(MalformedSection, sec, ln.num, "missing rule condition value")
	}
	switch attr {
	case AttrStatus:
		s, err := parseStatusWord(sec, ln, val[0])
		if err != nil {
			return c, err
		}
		c.Status = s
	case AttrTime:
		d, err := parseDuration(sec, ln, val)
		if err != nil {
			return c, err
		}
		c.Value = d.Seconds()
	case AttrClockTime:
		d, err := parseClockTime(sec, ln, val)
		if err != nil {
			return c, err
		}
		c.Value = d.Seconds()
	default:
		v, err := parseNum(sec, ln, val[0])
		if err != nil {
			return c, err
		}
		c.Value = v
	}
	return c, nil
}

// parseRuleAction parses "<link-object> <id> STATUS|SETTING IS <value>".
func (m *Model) parseRuleAction(sec string, ln rawLine, f []string) (Action, error) {
	var a Action
	if len(f) < 5 {
		return a, loadErr(MalformedSection, sec, ln.num, "incomplete rule action")
	}
	switch strings.ToUpper(f[0]) {
	case "LINK", "PIPE", "PUMP", "VALVE":
	default:
		return a, loadErr(MalformedSection, sec, ln.num, "rule actions apply to links, got %q", f[0])
	}
	li, ok := m.findLink(f[1])
	if !ok {
		return a, loadErr(UnresolvedReference, sec, ln.num, "rule action references unknown link %q", f[1])
	}
	a.Link = li
	if strings.ToUpper(f[3]) != "IS" {
		return a, loadErr(MalformedSection, sec, ln.num, "expected IS in rule action, got %q", f[3])
	}
	switch strings.ToUpper(f[2]) {
	case "STATUS":
		s, err := parseStatusWord(sec, ln, f[4])
		if err != nil {
			return a, err
		}
		a.Status = s
	case "SETTING":
		v, err := parseNum(sec, ln, f[4])
		if err != nil {
			return a, err
		}
		a.HasSetting = true
		a.Setting = v
	default:
		return a, loadErr(MalformedSection, sec, ln.num, "rule action must set STATUS or SETTING, got %q", f[2])
	}
	return a, nil
}

func ruleAttrFrom(s string) (RuleAttr, bool) {
	switch strings.ToUpper(s) {
	case "LEVEL":
		return AttrLevel, true
	case "HEAD":
		return AttrHead, true
	case "PRESSURE":
		return AttrPressure, true
	case "DEMAND":
		return AttrDemand, true
	case "FLOW":
		return AttrFlow, true
	case "STATUS":
		return AttrStatus, true
	case "SETTING":
		return AttrSetting, true
	case "TIME":
		return AttrTime, true
	case "CLOCKTIME":
		return AttrClockTime, true
	}
	return 0, false
}

func ruleOpFrom(s string) (RuleOp, bool) {
	switch strings.ToUpper(s) {
	case "=", "IS":
		return OpEQ, true
	case "<>", "NOT":
		return OpNE, true
	case "<", "BELOW":
		return OpLT, true
	case ">", "ABOVE":
		return OpGT, true
	case "<=":
		return OpLE, true
	case ">=":
		return OpGE, true
	}
	return 0, false
}
