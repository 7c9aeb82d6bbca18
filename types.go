package oauth

import (
	"encoding/json"
	"fmt"
	"net/url"
)

type OauthProtectedResource struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ResourceDocumentation  string   `json:"resource_documentation"`
}

func (opr *OauthProtectedResource) UnmarshalJSON(b []byte) error {
	type Tmp OauthProtectedResource
	var tmp Tmp

	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}

	*opr = OauthProtectedResource(tmp)

	return nil
}

type OauthAuthorizationMetadata struct {
	Issuer                                     string   `json:"issuer"`
	RequestParameterSupported                  bool     `json:"request_parameter_supported"`
	RequestUriParameterSupported               bool     `json:"request_uri_parameter_supported"`
	RequireRequestUriRegistration              *bool    `json:"require_request_uri_registration,omitempty"`
	ScopesSupported                            []string `json:"scopes_supported"`
	SubjectTypesSupported                      []string `json:"subject_types_supported"`
	ResponseTypesSupported                     []string `json:"response_types_supported"`
	ResponseModesSupported                     []string `json:"response_modes_supported"`
	GrantTypesSupported                        []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported              []string `json:"code_challenge_methods_supported"`
	UILocalesSupported                         []string `json:"ui_locales_supported"`
	DisplayValuesSupported                     []string `json:"display_values_supported"`
	RequestObjectSigningAlgValuesSupported     []string `json:"request_object_signing_alg_values_supported"`
	AuthorizationResponseISSParameterSupported bool     `json:"authorization_response_iss_parameter_supported"`
	RequestObjectEncryptionAlgValuesSupported  []string `json:"request_object_encryption_alg_values_supported"`
	RequestObjectEncryptionEncValuesSupported  []string `json:"request_object_encryption_enc_values_supported"`
	JwksUri                                    string   `json:"jwks_uri"`
	AuthorizationEndpoint                      string   `json:"authorization_endpoint"`
	TokenEndpoint                              string   `json:"token_endpoint"`
	TokenEndpointAuthMethodsSupported          []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgValuesSupported []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	RevocationEndpoint                         string   `json:"revocation_endpoint"`
	IntrospectionEndpoint                      string   `json:"introspection_endpoint"`
	PushedAuthorizationRequestEndpoint         string   `json:"pushed_authorization_request_endpoint"`
	RequirePushedAuthorizationRequests         bool     `json:"require_pushed_authorization_requests"`
	DpopSigningAlgValuesSupported              []string `json:"dpop_signing_alg_values_supported"`
	ProtectedResources                         []string `json:"protected_resources"`
	ClientIDMetadataDocumentSupported          bool     `json:"client_id_metadata_document_supported"`
}

func (oam *OauthAuthorizationMetadata) Validate(fetch_url *url.URL) error {
	if fetch_url == nil {
		return fmt.Errorf("fetch_url was nil")
	}

	iu, err := url.Parse(oam.Issuer)
	if err != nil {
		return err
	}

	if iu.Hostname() != fetch_url.Hostname() {
		return fmt.Errorf("issuer hostname does not match fetch url hostname")
	}

	if iu.Scheme != "https" {
		return fmt.Errorf("issuer url is not https")
	}

	if iu.Port() != "" {
		return fmt.Errorf("issuer port is not empty")
	}

	if iu.Path != "" && iu.Path != "/" {
		return fmt.Errorf("issuer path is not /")
	}

	if iu.RawQuery != "" {
		return fmt.Errorf("issuer url params are not empty")
	}

	if oam.AuthorizationEndpoint == "" {
		return fmt.Errorf("authorization_endpoint is empty")
	}

	if oam.TokenEndpoint == "" {
		return fmt.Errorf("token_endpoint is empty")
	}

	if !tokenInSet("code", oam.ResponseTypesSupported) {
		return fmt.Errorf("`code` is not in response_types_supported")
	}

	if !tokenInSet("authorization_code", oam.GrantTypesSupported) {
		return fmt.Errorf("`authorization_code` is not in grant_types_supported")
	}

	if !tokenInSet("S256", oam.CodeChallengeMethodsSupported) {
		return fmt.Errorf("`S256` is not in code_challenge_methods_supported")
	}

	// this client is public and authenticates with dpop alone
	if !tokenInSet("none", oam.TokenEndpointAuthMethodsSupported) {
		return fmt.Errorf("`none` is not in token_endpoint_auth_methods_supported")
	}

	if !tokenInSet("atproto", oam.ScopesSupported) {
		return fmt.Errorf("`atproto` is not in scopes_supported")
	}

	if len(oam.DpopSigningAlgValuesSupported) > 0 && !tokenInSet("ES256", oam.DpopSigningAlgValuesSupported) {
		return fmt.Errorf("`ES256` is not in dpop_signing_alg_values_supported")
	}

	if oam.RequirePushedAuthorizationRequests && oam.PushedAuthorizationRequestEndpoint == "" {
		return fmt.Errorf("pushed authorization requests are required but no endpoint was given")
	}

	return nil
}

func (oam *OauthAuthorizationMetadata) UnmarshalJSON(b []byte) error {
	type Tmp OauthAuthorizationMetadata
	var tmp Tmp

	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}

	*oam = OauthAuthorizationMetadata(tmp)

	return nil
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Sub          string `json:"sub,omitempty"`

	// not part of the response body, carried so callers can persist it
	DpopAuthserverNonce string `json:"-"`
}

// TokenError is a non-success answer from a token endpoint.
type TokenError struct {
	StatusCode  int    `json:"-"`
	ErrorCode   string `json:"error"`
	Description string `json:"error_description"`
}

func (e *TokenError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("token endpoint returned %d: %s: %s", e.StatusCode, e.ErrorCode, e.Description)
	}

	return fmt.Sprintf("token endpoint returned %d: %s", e.StatusCode, e.ErrorCode)
}

type Profile struct {
	Did         string
	Handle      string
	DisplayName string
	Avatar      string
}

type ClientMetadata struct {
	ClientId                string   `json:"client_id"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientUri               string   `json:"client_uri,omitempty"`
	ApplicationType         string   `json:"application_type"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	RedirectUris            []string `json:"redirect_uris"`
	Scope                   string   `json:"scope"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	DpopBoundAccessTokens   bool     `json:"dpop_bound_access_tokens"`
}

// AuthEndpoints is where a login for one PDS is sent.
type AuthEndpoints struct {
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	ParEndpoint           string
	RequirePar            bool
}
