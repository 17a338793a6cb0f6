package session

import (
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// registrationSuffix is appended to every generated registration device id.
const registrationSuffix = "23413249564c5635564d32573831"

// SigninRequest is a vendor OpenID sign-in link plus the PKCE material needed
// to exchange the resulting authorization code.
type SigninRequest struct {
	URL           string
	DeviceID      string
	CodeVerifier  string
	CodeChallenge string
}

// NewDeviceID generates a registration device id.
func NewDeviceID() string {
	u := uuid.New()
	upper := strings.ToUpper(hex.EncodeToString(u[:]))
	return hex.EncodeToString([]byte(upper)) + registrationSuffix
}

// pageHandle is the assoc-handle suffix of a storefront domain.
func pageHandle(region string) string {
	if strings.HasSuffix(region, ".jp") {
		return "_jp"
	}
	return ""
}

// BuildSigninRequest builds the sign-in URL for region. deviceID may be empty,
// in which case a new one is generated.
func BuildSigninRequest(region, language, deviceID string) SigninRequest {
	if deviceID == "" {
		deviceID = NewDeviceID()
	}
	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)
	handle := "amzn_dp_project_dee_ios" + pageHandle(region)
	base := "https://www." + region

	params := [][2]string{
		{"openid.return_to", base + "/ap/maplanding"},
		{"openid.assoc_handle", handle},
		{"openid.identity", "http://specs.openid.net/auth/2.0/identifier_select"},
		{"pageId", handle},
		{"accountStatusPolicy", "P1"},
		{"openid.claimed_id", "http://specs.openid.net/auth/2.0/identifier_select"},
		{"openid.mode", "checkid_setup"},
		{"openid.ns.oa2", base + "/ap/ext/oauth/2"},
		{"openid.oa2.client_id", "device:" + deviceID},
		{"openid.ns.pape", "http://specs.openid.net/extensions/pape/1.0"},
		{"openid.oa2.response_type", "code"},
		{"openid.ns", "http://specs.openid.net/auth/2.0"},
		{"openid.pape.max_auth_age", "0"},
		{"openid.oa2.scope", "device_auth_access"},
		{"openid.oa2.code_challenge_method", "S256"},
		{"openid.oa2.code_challenge", challenge},
		{"language", language},
	}
	var b strings.Builder
	b.WriteString(base + "/ap/signin?")
	for i, kv := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(kv[0])
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv[1]))
	}
	return SigninRequest{URL: b.String(), DeviceID: deviceID, CodeVerifier: verifier, CodeChallenge: challenge}
}
