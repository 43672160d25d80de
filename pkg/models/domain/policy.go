package domain

// Binding pairs one grant with the subjects holding it.
type Binding struct {
	Grant    string   `json:"grant"`
	Subjects []string `json:"subjects"`
}

// Policy is the access policy of one resource as read from the policy
// store. The version token travels alongside it for optimistic concurrency
// on write-back.
type Policy struct {
	Resource string    `json:"resource"`
	Bindings []Binding `json:"bindings"`
}

// RemoveSubject drops a subject from the binding for grant, removing the
// binding entirely when it empties. Returns false when nothing matched.
func (p *Policy) RemoveSubject(grant, subject string) bool {
	for i, b := range p.Bindings {
		if b.Grant != grant {
			continue
		}
		for j, s := range b.Subjects {
			if s != subject {
				continue
			}
			b.Subjects = append(b.Subjects[:j], b.Subjects[j+1:]...)
			if len(b.Subjects) == 0 {
				p.Bindings = append(p.Bindings[:i], p.Bindings[i+1:]...)
			} else {
				p.Bindings[i] = b
			}
			return true
		}
	}
	return false
}

// AddSubject grants subject the given grant, creating the binding when it
// does not exist yet.
func (p *Policy) AddSubject(grant, subject string) {
	for i, b := range p.Bindings {
		if b.Grant != grant {
			continue
		}
		for _, s := range b.Subjects {
			if s == subject {
				return
			}
		}
		p.Bindings[i].Subjects = append(b.Subjects, subject)
		return
	}
	p.Bindings = append(p.Bindings, Binding{Grant: grant, Subjects: []string{subject}})
}

// Clone returns a deep copy, used for pre-write rollback snapshots.
func (p Policy) Clone() Policy {
	out := Policy{Resource: p.Resource, Bindings: make([]Binding, len(p.Bindings))}
	for i, b := range p.Bindings {
		subjects := make([]string, len(b.Subjects))
		copy(subjects, b.Subjects)
		out.Bindings[i] = Binding{Grant: b.Grant, Subjects: subjects}
	}
	return out
}
