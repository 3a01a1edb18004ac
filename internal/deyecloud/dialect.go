package deyecloud

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const tokenPath = "/account/token"

// Credentials are the account secrets used to obtain an access token.
type Credentials struct {
	AppID     string
	AppSecret string
	Email     string
	Password  string
}

// LoginRequest is the request a dialect sends to obtain a token.
type LoginRequest struct {
	Path  string
	Query url.Values
	Body  map[string]any
}

// Envelope holds the status fields every response carries.
type Envelope struct {
	Code      Code   `json:"code"`
	Msg       string `json:"msg"`
	Success   *bool  `json:"success"`
	RequestID string `json:"requestId"`
}

// OK reports whether the envelope signals success. A response without a code
// relies on the success flag alone.
func (e Envelope) OK() bool {
	if e.Code == "" {
		return e.Success != nil && *e.Success
	}
	return e.Code.IsSuccess()
}

// Dialect hides the differences between historical shapes of the Deye Cloud API.
type Dialect interface {
	Name() string
	// Login builds the token request.
	Login(creds Credentials) LoginRequest
	// Authorize attaches the token to an outgoing request, either as a header or a body field.
	Authorize(h http.Header, body map[string]any, token string)
	// Payload extracts the useful part of a successful response body.
	Payload(raw []byte) (json.RawMessage, error)
	// SafetyMargin is how long before expiry a token is considered stale.
	SafetyMargin() time.Duration
}

type dialect struct {
	name          string
	secretInQuery bool
	hashPassword  bool
	tokenInBody   bool
	flatEnvelope  bool
	margin        time.Duration
}

var (
	// DialectV1 is the developer API v1.0: bearer header, payload under "data", hour-long tokens.
	DialectV1 Dialect = dialect{name: "v1", margin: 5 * time.Minute}
	// DialectOpenAPI hashes the password, returns flat payloads and issues multi-week tokens.
	DialectOpenAPI Dialect = dialect{name: "openapi", hashPassword: true, flatEnvelope: true, margin: 24 * time.Hour}
	// DialectLegacy passes the app secret in the URL and the token in the body.
	DialectLegacy Dialect = dialect{name: "legacy", secretInQuery: true, tokenInBody: true, margin: 5 * time.Minute}
)

var dialects = map[string]Dialect{
	DialectV1.Name():      DialectV1,
	DialectOpenAPI.Name(): DialectOpenAPI,
	DialectLegacy.Name():  DialectLegacy,
}

// LookupDialect returns the dialect registered under name.
func LookupDialect(name string) (Dialect, error) {
	d, ok := dialects[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown api dialect %q (want v1, openapi or legacy)", name)
	}
	return d, nil
}

func (d dialect) Name() string { return d.name }

func (d dialect) SafetyMargin() time.Duration { return d.margin }

func (d dialect) Login(creds Credentials) LoginRequest {
	password := creds.Password
	if d.hashPassword {
		sum := sha256.Sum256([]byte(password))
		password = hex.EncodeToString(sum[:])
	}

	query := url.Values{}
	query.Set("appId", creds.AppID)
	body := map[string]any{
		"email":    creds.Email,
		"password": password,
	}
	if d.secretInQuery {
		query.Set("appSecret", creds.AppSecret)
	} else {
		body["appSecret"] = creds.AppSecret
	}
	return LoginRequest{Path: tokenPath, Query: query, Body: body}
}

func (d dialect) Authorize(h http.Header, body map[string]any, token string) {
	if d.tokenInBody {
		body["accessToken"] = token
		return
	}
	h.Set("Authorization", "Bearer "+token)
}

var envelopeKeys = []string{"code", "msg", "success", "requestId"}

func (d dialect) Payload(raw []byte) (json.RawMessage, error) {
	if !d.flatEnvelope {
		var wrapped struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, err
		}
		if len(wrapped.Data) == 0 || string(wrapped.Data) == "null" {
			return json.RawMessage("{}"), nil
		}
		return wrapped.Data, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	for _, k := range envelopeKeys {
		delete(fields, k)
	}
	return json.Marshal(fields)
}
