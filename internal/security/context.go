package security

// ActorContext carries who and where an action came from.
// It is passed explicitly into every logging call; nothing is read from ambient state.
// A zero-value ActorContext (apart from Tenant) describes a system-initiated action.
type ActorContext struct {
	Tenant string

	UserID   string
	Username string

	IPAddress     string
	UserAgent     string
	SessionKey    string
	RequestPath   string
	RequestMethod string
}

// SystemActor returns the context used for actions with no request behind them.
func SystemActor(tenant string) ActorContext {
	return ActorContext{Tenant: tenant}
}

// IsSystem reports whether no user is attached.
func (a ActorContext) IsSystem() bool { return a.UserID == "" }

// Subject points at the entity an audit entry is about.
// ModelName and ObjectID are opaque to this package; callers resolve them.
type Subject struct {
	ModelName string `json:"model_name"`
	ObjectID  string `json:"object_id"`
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8Start(s[n]) {
		n--
	}
	return s[:n]
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
