package conflict

import (
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ByteMirror/lockstep/log"
)

// Recommendation is the detector's verdict on how a batch may execute.
type Recommendation int

const (
	Parallel Recommendation = iota
	Serial
)

// String returns the string representation of the recommendation
func (r Recommendation) String() string {
	switch r {
	case Parallel:
		return "PARALLEL"
	case Serial:
		return "SERIAL"
	default:
		return "Unknown"
	}
}

// Conflict is one detected pairwise violation.
type Conflict struct {
	GroupA string
	GroupB string
	Rule   Rule
}

// Report is the outcome of evaluating a batch of groups against the rule set.
type Report struct {
	Conflicts []Conflict
	// Severity is the maximum severity over all conflicts. Only meaningful
	// when Conflicts is non-empty.
	Severity Severity
}

// HasForbid reports whether any conflict carries a FORBID action.
func (r Report) HasForbid() bool {
	for _, c := range r.Conflicts {
		if c.Rule.Action == ActionForbid {
			return true
		}
	}
	return false
}

// HasMutex reports whether any conflict carries a MUTEX action.
func (r Report) HasMutex() bool {
	for _, c := range r.Conflicts {
		if c.Rule.Action == ActionMutex {
			return true
		}
	}
	return false
}

// Detector evaluates a static rule set against requested groups. The rule set
// is read-only for the detector's lifetime; build a new detector to pick up a
// reloaded declaration document.
type Detector struct {
	rules []Rule
}

// NewDetector creates a detector over the given rules.
func NewDetector(rules []Rule) *Detector {
	return &Detector{rules: rules}
}

// Detect evaluates every unordered pair of requested groups against every
// MUTEX or FORBID rule. Two groups conflict under a rule when each declares a
// path overlapping the rule's patterns and their declared paths overlap each
// other. A group with no declared paths conflicts with nothing: absence of a
// declaration is an open-world ALLOW, never an implicit FORBID.
func (d *Detector) Detect(groups []Group) Report {
	// Sort by id so pair evaluation is order-independent regardless of the
	// caller's slice order.
	sorted := make([]Group, len(groups))
	copy(sorted, groups)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var report Report
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			a, b := sorted[i], sorted[j]
			if len(a.DeclaredPaths) == 0 || len(b.DeclaredPaths) == 0 {
				continue
			}
			for _, rule := range d.rules {
				if rule.Action != ActionMutex && rule.Action != ActionForbid {
					continue
				}
				if !pairConflicts(a, b, rule) {
					continue
				}
				report.Conflicts = append(report.Conflicts, Conflict{
					GroupA: a.ID,
					GroupB: b.ID,
					Rule:   rule,
				})
				if rule.Severity > report.Severity {
					report.Severity = rule.Severity
				}
			}
		}
	}

	if len(report.Conflicts) > 0 {
		log.InfoLog.Printf("conflict detection: %d conflicts, max severity %s",
			len(report.Conflicts), report.Severity)
	}
	return report
}

// Validate returns true iff no FORBID-level conflict exists. MUTEX conflicts
// are valid, they just require a serial downgrade.
func (d *Detector) Validate(groups []Group) bool {
	return !d.Detect(groups).HasForbid()
}

// Recommend returns Parallel iff the batch is valid and carries no MUTEX
// conflicts, otherwise Serial.
func (d *Detector) Recommend(groups []Group) Recommendation {
	report := d.Detect(groups)
	if report.HasForbid() || report.HasMutex() {
		return Serial
	}
	return Parallel
}

func pairConflicts(a, b Group, rule Rule) bool {
	for _, pa := range a.DeclaredPaths {
		if !matchesAny(pa, rule.PathPatterns) {
			continue
		}
		for _, pb := range b.DeclaredPaths {
			if matchesAny(pb, rule.PathPatterns) && patternsOverlap(pa, pb) {
				return true
			}
		}
	}
	return false
}

func matchesAny(path string, patterns []string) bool {
	for _, p := range patterns {
		if patternsOverlap(path, p) {
			return true
		}
	}
	return false
}

// patternsOverlap reports whether some filesystem path could match both
// patterns. Literal-vs-pattern cases are exact; when both sides carry glob
// metacharacters the check is a segment-wise over-approximation, which errs
// toward serialization rather than an unsafe parallel run.
func patternsOverlap(p, q string) bool {
	if p == q {
		return true
	}
	pLit, qLit := isLiteral(p), isLiteral(q)
	if pLit && qLit {
		return false
	}
	if qLit {
		ok, err := doublestar.Match(p, q)
		if err != nil {
			log.WarningLog.Printf("bad path pattern %q: %v", p, err)
			return false
		}
		return ok
	}
	if pLit {
		ok, err := doublestar.Match(q, p)
		if err != nil {
			log.WarningLog.Printf("bad path pattern %q: %v", q, err)
			return false
		}
		return ok
	}
	return segmentsCompatible(strings.Split(p, "/"), strings.Split(q, "/"))
}

func isLiteral(pattern string) bool {
	return !strings.ContainsAny(pattern, "*?[{")
}

// segmentsCompatible walks the two patterns segment by segment. A "**"
// segment absorbs the rest of the other pattern. Two literal segments must be
// equal; a glob segment against a literal one is tested exactly; two glob
// segments are assumed compatible.
func segmentsCompatible(ps, qs []string) bool {
	for len(ps) > 0 && len(qs) > 0 {
		p, q := ps[0], qs[0]
		if p == "**" || q == "**" {
			return true
		}
		pLit, qLit := isLiteral(p), isLiteral(q)
		switch {
		case pLit && qLit:
			if p != q {
				return false
			}
		case qLit:
			if ok, err := doublestar.Match(p, q); err != nil || !ok {
				return false
			}
		case pLit:
			if ok, err := doublestar.Match(q, p); err != nil || !ok {
				return false
			}
		}
		ps, qs = ps[1:], qs[1:]
	}
	return len(ps) == 0 && len(qs) == 0
}
