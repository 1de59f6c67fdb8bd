package guard

import "strings"

// Request carries the attributes of one inbound request that the engine
// counts and analyzes. Any of the identifying attributes may be empty; the
// engine degrades to counting only the dimensions that are known.
type Request struct {
	Address           string `json:"address,omitempty"`
	IdentityID        string `json:"identity_id,omitempty"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
	Path              string `json:"path"`
	Method            string `json:"method"`
	UserAgent         string `json:"user_agent,omitempty"`
	Geography         string `json:"geography,omitempty"`
}

// ScopeDescriptor names one counter applicable to a request.
type ScopeDescriptor struct {
	ScopeKey   string
	ScopeType  ScopeType
	Identifier string
}

// categoryPrefixes maps path prefixes to sensitive operation categories.
// First match wins; anything else is general traffic.
var categoryPrefixes = []struct {
	prefix   string
	category Category
}{
	{"funding", CategoryFunding},
	{"withdraw", CategoryFunding},
	{"deposits", CategoryFunding},
	{"transfers", CategoryFunding},
	{"payments", CategoryFunding},
	{"verification", CategoryVerification},
	{"verify", CategoryVerification},
	{"kyc", CategoryVerification},
	{"consent", CategoryConsent},
	{"consents", CategoryConsent},
	{"export", CategoryExport},
	{"exports", CategoryExport},
	{"data-export", CategoryExport},
}

// CategorizePath classifies an endpoint path into an operation category.
func CategorizePath(path string) Category {
	path = strings.ToLower(strings.Trim(path, "/"))
	if idx := strings.Index(path, "?"); idx != -1 {
		path = path[:idx]
	}
	for _, seg := range strings.Split(path, "/") {
		for _, cp := range categoryPrefixes {
			if seg == cp.prefix {
				return cp.category
			}
		}
	}
	return CategoryGeneral
}

// ResolveScopes derives the ordered scope descriptors for a request. Address
// scopes come before identity before device, and within a scope type the
// category-specific descriptor precedes the global one. The order is the
// deterministic tie-break for which violation is reported first.
func ResolveScopes(req Request) []ScopeDescriptor {
	category := CategorizePath(req.Path)

	dims := []struct {
		scopeType  ScopeType
		identifier string
	}{
		{ScopeAddress, req.Address},
		{ScopeIdentity, req.IdentityID},
		{ScopeDevice, req.DeviceFingerprint},
	}

	descriptors := make([]ScopeDescriptor, 0, 6)
	for _, d := range dims {
		if d.identifier == "" {
			continue
		}
		descriptors = append(descriptors,
			ScopeDescriptor{ScopeKey: ScopeKey(d.scopeType, category), ScopeType: d.scopeType, Identifier: d.identifier},
			ScopeDescriptor{ScopeKey: ScopeKey(d.scopeType, CategoryGlobal), ScopeType: d.scopeType, Identifier: d.identifier},
		)
	}
	return descriptors
}
