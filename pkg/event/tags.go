package event

// Tags is the ordered tag list of an event. Each entry has the tag name at
// index 0 and its value at index 1.
type Tags [][]string

// Find returns the first tag with the given name.
func (t Tags) Find(name string) ([]string, bool) {
	for _, tag := range t {
		if len(tag) >= 2 && tag[0] == name {
			return tag, true
		}
	}
	return nil, false
}

// Value returns the value of the first tag with the given name.
func (t Tags) Value(name string) (string, bool) {
	tag, ok := t.Find(name)
	if !ok {
		return "", false
	}
	return tag[1], true
}

// Values returns all values for a given tag name, in tag order.
func (t Tags) Values(name string) []string {
	var values []string
	for _, tag := range t {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}

// FindAll returns every tag with the given name.
func (t Tags) FindAll(name string) [][]string {
	var out [][]string
	for _, tag := range t {
		if len(tag) >= 2 && tag[0] == name {
			out = append(out, tag)
		}
	}
	return out
}

// Has reports whether a tag with the given name carries value.
func (t Tags) Has(name, value string) bool {
	for _, tag := range t {
		if len(tag) >= 2 && tag[0] == name && tag[1] == value {
			return true
		}
	}
	return false
}

// GetTagValues returns all values for a given tag name
func (e *Event) GetTagValues(tagName string) []string {
	return e.Tags.Values(tagName)
}
