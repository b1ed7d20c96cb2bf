package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestContext drives a running catalog server over HTTP. It mints bearer
// tokens with the same signing key the server was started with, so
// scenarios can switch roles freely.
type TestContext struct {
	baseURL    string
	signingKey string
	client     *http.Client

	token      string
	lastStatus int
	lastBody   map[string]any
}

func NewTestContext(baseURL, signingKey string) *TestContext {
	return &TestContext{
		baseURL:    baseURL,
		signingKey: signingKey,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// AuthenticateAs mints a short-lived token carrying the given role claim.
func (tc *TestContext) AuthenticateAs(role string) error {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "e2e-" + role,
		"roles": []string{role},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(tc.signingKey))
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	tc.token = signed
	return nil
}

func (tc *TestContext) POST(path string, body map[string]any) error {
	return tc.do(http.MethodPost, path, body)
}

func (tc *TestContext) PUT(path string, body map[string]any) error {
	return tc.do(http.MethodPut, path, body)
}

func (tc *TestContext) GET(path string) error {
	return tc.do(http.MethodGet, path, nil)
}

func (tc *TestContext) do(method, path string, body map[string]any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}

	req, err := http.NewRequest(method, tc.baseURL+path, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tc.token != "" {
		req.Header.Set("Authorization", "Bearer "+tc.token)
	}

	resp, err := tc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	tc.lastStatus = resp.StatusCode
	tc.lastBody = nil
	_ = json.NewDecoder(resp.Body).Decode(&tc.lastBody)
	return nil
}

// LastStatus returns the status code of the most recent response.
func (tc *TestContext) LastStatus() int { return tc.lastStatus }

// LastField looks up a top-level field in the most recent JSON response.
func (tc *TestContext) LastField(field string) (any, bool) {
	v, ok := tc.lastBody[field]
	return v, ok
}

// RandomCUSIP returns a random well-formed nine-digit CUSIP so scenarios
// stay independent across runs against a persistent server.
func (tc *TestContext) RandomCUSIP() string {
	return fmt.Sprintf("%09d", rand.Int64N(1_000_000_000))
}
