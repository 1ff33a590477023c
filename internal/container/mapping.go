package container

// MatchType describes which mapping rule selected the wrapper.
type MatchType uint8

const (
	MatchNone MatchType = iota
	MatchContextRoot
	MatchExact
	MatchPath
	MatchExtension
	MatchDefault
)

func (m MatchType) String() string {
	switch m {
	case MatchContextRoot:
		return "context_root"
	case MatchExact:
		return "exact"
	case MatchPath:
		return "path"
	case MatchExtension:
		return "extension"
	case MatchDefault:
		return "default"
	default:
		return "none"
	}
}

// MappingData is the result of mapping one request.
type MappingData struct {
	Host    *Host
	Context *Context
	// Contexts lists every deployed version of the mapped context path,
	// oldest first.
	Contexts     []*Context
	Wrapper      *Wrapper
	ContextPath  string
	WrapperPath  string
	PathInfo     string
	MatchType    MatchType
	RedirectPath string
}

// Recycle clears the mapping so it can be reused.
func (m *MappingData) Recycle() {
	*m = MappingData{}
}
