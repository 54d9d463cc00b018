package engine

// ResolveRecipients expands abstract recipient specs into concrete
// recipients, deduplicated by ID. Unknown or unresolvable specs contribute
// nothing; they are authoring gaps, not errors.
func (e *Engine) ResolveRecipients(specs []RecipientSpec, ev Event) []Recipient {
	seen := map[string]bool{}
	var out []Recipient
	add := func(rc Recipient) {
		if seen[rc.ID] {
			return
		}
		seen[rc.ID] = true
		out = append(out, rc)
	}

	for _, spec := range specs {
		switch spec.Kind {
		case SpecUser:
			if rc, ok := e.reg.recipient(spec.Value); ok {
				add(rc)
			}
		case SpecRole:
			for _, rc := range e.reg.recipientsByTag(func(rc Recipient) bool {
				return containsString(rc.Roles, spec.Value)
			}) {
				add(rc)
			}
		case SpecDepartment:
			for _, rc := range e.reg.recipientsByTag(func(rc Recipient) bool {
				return containsString(rc.Departments, spec.Value)
			}) {
				add(rc)
			}
		case SpecCustom:
			fn, ok := e.reg.resolver(spec.Value)
			if !ok {
				continue
			}
			for _, id := range fn(spec.Value, ev.Data) {
				if rc, ok := e.reg.recipient(id); ok {
					add(rc)
				}
			}
		}
	}
	return out
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
