package lock

import "strings"

// ResourceName is an ordered path of segments identifying a node in the
// lock-context hierarchy, e.g. database/table17/page42. Equality and
// descendant checks are segment-wise, not string-wise, so a segment value
// containing the separator can never be mistaken for a path boundary.
type ResourceName struct {
	segments []string
}

// NewResourceName builds a resource name from its path segments.
func NewResourceName(segments ...string) ResourceName {
	cp := make([]string, len(segments))
	copy(cp, segments)
	return ResourceName{segments: cp}
}

// Child returns the resource name for segment appended beneath r.
func (r ResourceName) Child(segment string) ResourceName {
	cp := make([]string, len(r.segments)+1)
	copy(cp, r.segments)
	cp[len(r.segments)] = segment
	return ResourceName{segments: cp}
}

// Parent returns r's prefix minus its last segment, and false if r is the
// root (has no parent).
func (r ResourceName) Parent() (ResourceName, bool) {
	if len(r.segments) == 0 {
		return ResourceName{}, false
	}
	return ResourceName{segments: r.segments[:len(r.segments)-1]}, true
}

// Depth returns the number of segments in r. The root has depth 0.
func (r ResourceName) Depth() int {
	return len(r.segments)
}

// Equals reports segment-wise equality.
func (r ResourceName) Equals(other ResourceName) bool {
	if len(r.segments) != len(other.segments) {
		return false
	}
	for i := range r.segments {
		if r.segments[i] != other.segments[i] {
			return false
		}
	}
	return true
}

// IsDescendantOf reports whether r lies strictly beneath ancestor: ancestor
// is a proper segment-wise prefix of r.
func (r ResourceName) IsDescendantOf(ancestor ResourceName) bool {
	if len(r.segments) <= len(ancestor.segments) {
		return false
	}
	for i := range ancestor.segments {
		if r.segments[i] != ancestor.segments[i] {
			return false
		}
	}
	return true
}

// Key returns a string usable as a map key, distinct for distinct resource
// names. Used by LockTable's internal maps.
func (r ResourceName) Key() string {
	return strings.Join(r.segments, "\x00")
}

func (r ResourceName) String() string {
	return strings.Join(r.segments, "/")
}
