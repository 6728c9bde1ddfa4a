package signing

// Authority identifies who signs gateway session tokens.
type Authority int32

// Authority states. Undetermined is only observable while the startup
// decision is still pending; Gateway and Legacy are terminal.
const (
	AuthorityUndetermined Authority = iota
	AuthorityGateway
	AuthorityLegacy
)

// String implements fmt.Stringer.
func (a Authority) String() string {
	switch a {
	case AuthorityGateway:
		return "gateway"
	case AuthorityLegacy:
		return "legacy"
	default:
		return "undetermined"
	}
}
