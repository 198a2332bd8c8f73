package auth

const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopeWorkflowRead  = "workflow:read"
	ScopeWorkflowWrite = "workflow:write"
	ScopeWorkflowAdmin = "workflow:admin"
)

// AllScopes defines the full set of scopes requested by API clients
var AllScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopeWorkflowRead,
	ScopeWorkflowWrite,
	ScopeWorkflowAdmin,
}
