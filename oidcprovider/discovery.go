package oidcprovider

// discoveryDocument is the constant metadata document spec.md §4.3
// requires at /.well-known/openid-configuration, mirroring the shape of
// dex's own discoveryHandler output.
type discoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
}

func (p *Provider) discoveryDocument() discoveryDocument {
	return discoveryDocument{
		Issuer:                            p.issuer,
		AuthorizationEndpoint:             p.issuer + "/auth/openid/login",
		TokenEndpoint:                     p.issuer + "/auth/openid/token",
		UserinfoEndpoint:                  p.issuer + "/auth/openid/userinfo",
		JWKSURI:                           p.issuer + "/.well-known/jwks.json",
		ResponseTypesSupported:            []string{"code"},
		ResponseModesSupported:            []string{"query"},
		GrantTypesSupported:               []string{"authorization_code"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post"},
		ScopesSupported:                   p.knownScopesList,
	}
}
