package event

// Filter restricts which events a subscription receives. A nil filter or an
// empty field matches everything.
type Filter struct {
	EventTypes []Type
	Severities []Severity
}

// Matches reports whether the event passes the filter.
func (f *Filter) Matches(e Event) bool {
	if f == nil {
		return true
	}
	if len(f.EventTypes) > 0 && !containsType(f.EventTypes, e.EventType) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, e.Severity) {
		return false
	}
	return true
}

func containsType(types []Type, t Type) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func containsSeverity(severities []Severity, s Severity) bool {
	for _, candidate := range severities {
		if candidate == s {
			return true
		}
	}
	return false
}
