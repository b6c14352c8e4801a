package definition

import (
	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/fault"
)

// MaxSuccessPathWeight bounds the weight sum on any success path.
const MaxSuccessPathWeight = 100

// Validate checks a definition's stage graph: unique stage names, legal agent
// types, all transition targets resolvable, acyclic, every stage reachable,
// END reachable from every stage, non-negative weights, and success-path
// weight sum within budget. All violations are VALIDATION faults.
func Validate(d *Definition) error {
	if d.PlatformID == "" {
		return fault.New(fault.KindValidation, "platform_id missing")
	}
	if d.WorkflowType == "" {
		return fault.New(fault.KindValidation, "workflow_type missing")
	}
	if len(d.Stages) == 0 {
		return fault.New(fault.KindValidation, "definition has no stages")
	}

	byName := make(map[string]*Stage, len(d.Stages))
	for i := range d.Stages {
		s := &d.Stages[i]
		if s.Name == "" {
			return fault.New(fault.KindValidation, "stage with empty name")
		}
		if s.Name == TargetEnd || s.Name == TargetSkip {
			return fault.Newf(fault.KindValidation, "stage name %q is reserved", s.Name)
		}
		if _, dup := byName[s.Name]; dup {
			return fault.Newf(fault.KindValidation, "duplicate stage %q", s.Name)
		}
		if !envelope.ValidAgentType(s.AgentType) {
			return fault.Newf(fault.KindValidation, "stage %q: agent_type %q is not kebab-case", s.Name, s.AgentType)
		}
		if s.Weight < 0 {
			return fault.Newf(fault.KindValidation, "stage %q: negative weight", s.Name)
		}
		byName[s.Name] = s
	}

	for _, s := range d.Stages {
		if s.OnSuccess != TargetEnd {
			if _, ok := byName[s.OnSuccess]; !ok {
				return fault.Newf(fault.KindValidation, "stage %q: on_success target %q does not exist", s.Name, s.OnSuccess)
			}
		}
		if s.OnFailure != TargetEnd && s.OnFailure != TargetSkip {
			if _, ok := byName[s.OnFailure]; !ok {
				return fault.Newf(fault.KindValidation, "stage %q: on_failure target %q does not exist", s.Name, s.OnFailure)
			}
		}
	}

	if cycle := findCycle(d, byName); cycle != "" {
		return fault.Newf(fault.KindValidation, "stage graph has a cycle through %q", cycle)
	}

	reachable := reachableFrom(d.Stages[0].Name, byName)
	for _, s := range d.Stages {
		if !reachable[s.Name] {
			return fault.Newf(fault.KindValidation, "stage %q is unreachable", s.Name)
		}
	}

	// Acyclic with resolvable targets means every path terminates at END.
	if maxChain := maxSuccessWeight(d, byName); maxChain > MaxSuccessPathWeight {
		return fault.Newf(fault.KindValidation, "success-path weight sum %d exceeds %d", maxChain, MaxSuccessPathWeight)
	}
	return nil
}

// edges returns the outgoing transition targets of a stage, excluding
// terminals. A skip routes through on_success.
func edges(s *Stage) []string {
	var out []string
	if s.OnSuccess != TargetEnd {
		out = append(out, s.OnSuccess)
	}
	if s.OnFailure != TargetEnd && s.OnFailure != TargetSkip {
		out = append(out, s.OnFailure)
	}
	return out
}

// findCycle runs a colored DFS over the transition edges. Returns a stage on
// a cycle, or "".
func findCycle(d *Definition, byName map[string]*Stage) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(d.Stages))

	var visit func(name string) string
	visit = func(name string) string {
		color[name] = gray
		for _, next := range edges(byName[name]) {
			switch color[next] {
			case gray:
				return next
			case white:
				if hit := visit(next); hit != "" {
					return hit
				}
			}
		}
		color[name] = black
		return ""
	}

	for _, s := range d.Stages {
		if color[s.Name] == white {
			if hit := visit(s.Name); hit != "" {
				return hit
			}
		}
	}
	return ""
}

func reachableFrom(start string, byName map[string]*Stage) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		for _, next := range edges(byName[name]) {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

// maxSuccessWeight returns the heaviest weight sum over any success chain.
// The graph is already known to be acyclic.
func maxSuccessWeight(d *Definition, byName map[string]*Stage) int {
	memo := make(map[string]int, len(d.Stages))
	var chain func(name string) int
	chain = func(name string) int {
		if w, ok := memo[name]; ok {
			return w
		}
		s := byName[name]
		total := s.Weight
		if s.OnSuccess != TargetEnd {
			total += chain(s.OnSuccess)
		}
		memo[name] = total
		return total
	}

	max := 0
	for _, s := range d.Stages {
		if w := chain(s.Name); w > max {
			max = w
		}
	}
	return max
}
