package domain

import "fmt"

// ValidateDefinition runs the publish-time graph checks. Definitions that
// fail are never stored. Route-uniqueness across definitions is checked by
// the definition store, which can see what else is published.
func ValidateDefinition(def *WorkflowDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("%w: empty definition id", ErrDefinitionInvalid)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("%w: definition %q has no steps", ErrDefinitionInvalid, def.ID)
	}
	if _, ok := def.Steps[def.StartStep]; !ok {
		return fmt.Errorf("%w: start step %q not found", ErrDefinitionInvalid, def.StartStep)
	}

	for id, step := range def.Steps {
		if step.ID != id {
			return fmt.Errorf("%w: step keyed %q carries id %q", ErrDefinitionInvalid, id, step.ID)
		}
		for outcome, target := range step.Transitions {
			if _, ok := def.Steps[target]; !ok {
				return fmt.Errorf("%w: step %q transition %q targets unknown step %q",
					ErrDefinitionInvalid, id, outcome, target)
			}
		}
		if step.DefaultTransition != "" {
			if _, ok := def.Steps[step.DefaultTransition]; !ok {
				return fmt.Errorf("%w: step %q default transition targets unknown step %q",
					ErrDefinitionInvalid, id, step.DefaultTransition)
			}
		}
		for _, outcome := range step.Outcomes {
			if _, ok := step.Transitions[outcome]; ok {
				continue
			}
			if step.DefaultTransition != "" || step.DanglingAllowed {
				continue
			}
			return fmt.Errorf("%w: step %q outcome %q has no transition",
				ErrDefinitionInvalid, id, outcome)
		}
		switch step.Kind {
		case KindFork:
			if len(step.Branches) < 2 {
				return fmt.Errorf("%w: fork step %q needs at least two branches", ErrDefinitionInvalid, id)
			}
			if step.JoinGroup == "" {
				return fmt.Errorf("%w: fork step %q needs a join group", ErrDefinitionInvalid, id)
			}
			for _, branch := range step.Branches {
				if _, ok := def.Steps[branch]; !ok {
					return fmt.Errorf("%w: fork step %q branch targets unknown step %q",
						ErrDefinitionInvalid, id, branch)
				}
			}
		case KindJoin:
			if step.JoinGroup == "" {
				return fmt.Errorf("%w: join step %q names no join group", ErrDefinitionInvalid, id)
			}
		case KindHTTPTrigger:
			if step.Route == "" {
				return fmt.Errorf("%w: httpTrigger step %q has no route", ErrDefinitionInvalid, id)
			}
		case KindTimer:
			if step.Duration <= 0 {
				return fmt.Errorf("%w: timer step %q has no duration", ErrDefinitionInvalid, id)
			}
		case KindTask:
			if step.Task == "" {
				return fmt.Errorf("%w: task step %q names no handler", ErrDefinitionInvalid, id)
			}
		}
	}

	if !terminalReachable(def) {
		return fmt.Errorf("%w: no terminal step reachable from %q", ErrDefinitionInvalid, def.StartStep)
	}
	return nil
}

func terminalReachable(def *WorkflowDefinition) bool {
	seen := map[string]bool{}
	queue := []string{def.StartStep}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		step := def.Steps[id]
		if step.Kind == KindTerminal {
			return true
		}
		for _, target := range step.Transitions {
			queue = append(queue, target)
		}
		if step.DefaultTransition != "" {
			queue = append(queue, step.DefaultTransition)
		}
		queue = append(queue, step.Branches...)
	}
	return false
}
