package keyrange

// Range describes an interval over Keys with independently open or closed,
// independently optional, endpoints. A nil Lower/Upper means unbounded on
// that side.
type Range struct {
	Lower      *Key
	Upper      *Key
	LowerOpen  bool
	UpperOpen  bool
}

// All returns the unbounded range, matching every key.
func All() Range {
	return Range{}
}

// Only returns the range containing exactly one key.
func Only(k Key) Range {
	return Range{Lower: &k, Upper: &k}
}

// Bound returns the range [lower, upper] (or with either/both endpoints
// open, per lowerOpen/upperOpen).
func Bound(lower, upper Key, lowerOpen, upperOpen bool) Range {
	return Range{Lower: &lower, Upper: &upper, LowerOpen: lowerOpen, UpperOpen: upperOpen}
}

// GreaterThan returns the range (k, +inf).
func GreaterThan(k Key) Range {
	return Range{Lower: &k, LowerOpen: true}
}

// GreaterOrEqual returns the range [k, +inf).
func GreaterOrEqual(k Key) Range {
	return Range{Lower: &k}
}

// LessThan returns the range (-inf, k).
func LessThan(k Key) Range {
	return Range{Upper: &k, UpperOpen: true}
}

// LessOrEqual returns the range (-inf, k].
func LessOrEqual(k Key) Range {
	return Range{Upper: &k}
}

// IsExact reports whether r matches exactly one key (an Only range).
func (r Range) IsExact() (Key, bool) {
	if r.Lower == nil || r.Upper == nil || r.LowerOpen || r.UpperOpen {
		return Key{}, false
	}
	if r.Lower.Compare(*r.Upper) != 0 {
		return Key{}, false
	}
	return *r.Lower, true
}

// Contains reports whether k falls within r.
func (r Range) Contains(k Key) bool {
	if r.Lower != nil {
		c := k.Compare(*r.Lower)
		if c < 0 || (c == 0 && r.LowerOpen) {
			return false
		}
	}
	if r.Upper != nil {
		c := k.Compare(*r.Upper)
		if c > 0 || (c == 0 && r.UpperOpen) {
			return false
		}
	}
	return true
}

// Empty reports whether r can never match any key (a degenerate open range
// at a single point, or lower > upper).
func (r Range) Empty() bool {
	if r.Lower == nil || r.Upper == nil {
		return false
	}
	c := r.Lower.Compare(*r.Upper)
	if c > 0 {
		return true
	}
	if c == 0 && (r.LowerOpen || r.UpperOpen) {
		return true
	}
	return false
}
