package auth

import "strings"

// Handshake carries every place a credential may arrive in.
type Handshake struct {
	Header       string // raw Authorization header
	AuthToken    string // token field of the first auth frame
	Query        string // token query parameter
	SessionToken string // token stored in the session cookie
	RemoteIP     string
}

// Token picks the credential by precedence: bearer header, auth frame,
// query parameter, session cookie.
func (h Handshake) Token() string {
	if tok, ok := bearer(h.Header); ok {
		return tok
	}
	for _, tok := range []string{h.AuthToken, h.Query, h.SessionToken} {
		if tok = strings.TrimSpace(tok); tok != "" {
			return tok
		}
	}
	return ""
}

// HasBearer reports whether the upgrade request already carries a bearer token.
func (h Handshake) HasBearer() bool {
	_, ok := bearer(h.Header)
	return ok
}

func bearer(header string) (string, bool) {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}
