package scheduling

// Descriptor is per-type metadata: display name and the defaults applied to
// new configurations of that type. There is exactly one descriptor per type
// id; types registered without one get a synthetic descriptor with
// conservative defaults (hidden, not recoverable) so every runnable type
// stays discoverable by id.
type Descriptor struct {
	TypeID      string
	Name        string
	Visible     bool
	Recoverable bool
}

// synthesizeDescriptor fills conservative defaults for a bare type id.
func synthesizeDescriptor(typeID string) Descriptor {
	return Descriptor{TypeID: typeID, Name: typeID}
}
