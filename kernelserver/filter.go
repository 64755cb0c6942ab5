package kernelserver

// filterMode distinguishes the three mutually exclusive filter shapes.
type filterMode int

const (
	modeAllowAll filterMode = iota
	modeAllow
	modeBlock
)

// Filter is the tagged variant named in the design notes: AllowAll,
// Allow(set), or Block(set), never two independent nullable fields.
// The zero value is AllowAll (raw relay, the default).
type Filter struct {
	mode filterMode
	set  map[string]struct{}
}

// AllowAllFilter passes every message type through unfiltered.
func AllowAllFilter() Filter {
	return Filter{mode: modeAllowAll}
}

// AllowFilter passes only the named message types. An empty set passes
// nothing.
func AllowFilter(types ...string) Filter {
	return Filter{mode: modeAllow, set: toSet(types)}
}

// BlockFilter passes every message type except the named ones.
func BlockFilter(types ...string) Filter {
	return Filter{mode: modeBlock, set: toSet(types)}
}

func toSet(types []string) map[string]struct{} {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return set
}

// Permits reports whether msgType may pass.
func (f Filter) Permits(msgType string) bool {
	switch f.mode {
	case modeAllow:
		_, ok := f.set[msgType]
		return ok
	case modeBlock:
		_, blocked := f.set[msgType]
		return !blocked
	default:
		return true
	}
}
