package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"prontuario/api/internal/authpw"
)

func newTestServer(t *testing.T) (*httptest.Server, *memStore) {
	t.Helper()
	ms := newMemStore()
	svc := New(testConfig(), ms, authpw.NewService(ms), Options{})
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(server.Close)
	return server, ms
}

func postJSON(t *testing.T, url string, body map[string]any, token string) (*http.Response, map[string]any) {
	t.Helper()
	raw, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp, decodeJSON(t, resp)
}

func getJSON(t *testing.T, url, token string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp, decodeJSON(t, resp)
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

// signUpAndSignIn walks the full flow and returns an access token.
func signUpAndSignIn(t *testing.T, server *httptest.Server, email, name string) string {
	t.Helper()
	resp, payload := postJSON(t, server.URL+"/api/auth/signup", map[string]any{
		"email":       email,
		"password":    "senha-segura-123",
		"displayName": name,
		"crpNumber":   "06/12345",
	}, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup status = %d: %v", resp.StatusCode, payload)
	}

	// No SMTP in tests, so the verification token comes back in the response.
	token, _ := payload["devVerificationToken"].(string)
	if token == "" {
		t.Fatal("expected devVerificationToken in signup response")
	}

	resp, payload = postJSON(t, server.URL+"/api/auth/verify-email", map[string]any{"token": token}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d: %v", resp.StatusCode, payload)
	}

	resp, payload = postJSON(t, server.URL+"/api/auth/signin", map[string]any{
		"email":    email,
		"password": "senha-segura-123",
	}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signin status = %d: %v", resp.StatusCode, payload)
	}
	access, _ := payload["accessToken"].(string)
	if access == "" {
		t.Fatal("expected accessToken in signin response")
	}
	return access
}

func TestSignUpVerifySignInFlow(t *testing.T) {
	server, _ := newTestServer(t)
	token := signUpAndSignIn(t, server, "helena@example.com", "Dra. Helena")

	resp, payload := getJSON(t, server.URL+"/api/session", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session status = %d", resp.StatusCode)
	}
	if payload["authenticated"] != true {
		t.Errorf("authenticated = %v", payload["authenticated"])
	}
	if payload["userName"] != "Dra. Helena" {
		t.Errorf("userName = %v", payload["userName"])
	}
	if payload["role"] != "clinician" {
		t.Errorf("role = %v", payload["role"])
	}
}

func TestSignInBlockedUntilVerified(t *testing.T) {
	server, _ := newTestServer(t)

	resp, _ := postJSON(t, server.URL+"/api/auth/signup", map[string]any{
		"email":       "rafael@example.com",
		"password":    "senha-segura-123",
		"displayName": "Rafael",
	}, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup status = %d", resp.StatusCode)
	}

	resp, payload := postJSON(t, server.URL+"/api/auth/signin", map[string]any{
		"email":    "rafael@example.com",
		"password": "senha-segura-123",
	}, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unverified signin status = %d, want 403", resp.StatusCode)
	}
	if payload["code"] != "EMAIL_NOT_VERIFIED" {
		t.Errorf("code = %v", payload["code"])
	}
}

func TestSignInWrongPassword(t *testing.T) {
	server, _ := newTestServer(t)
	signUpAndSignIn(t, server, "helena@example.com", "Helena")

	resp, payload := postJSON(t, server.URL+"/api/auth/signin", map[string]any{
		"email":    "helena@example.com",
		"password": "senha-errada",
	}, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if payload["code"] != "INVALID_CREDENTIALS" {
		t.Errorf("code = %v", payload["code"])
	}
}

func TestDuplicateSignUpConflicts(t *testing.T) {
	server, _ := newTestServer(t)
	signUpAndSignIn(t, server, "helena@example.com", "Helena")

	resp, payload := postJSON(t, server.URL+"/api/auth/signup", map[string]any{
		"email":       "Helena@Example.com",
		"password":    "outra-senha-123",
		"displayName": "Outra Helena",
	}, "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %v", resp.StatusCode, payload)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	server, _ := newTestServer(t)
	signUpAndSignIn(t, server, "helena@example.com", "Helena")

	resp, payload := postJSON(t, server.URL+"/api/auth/reset-password/request", map[string]any{
		"email": "helena@example.com",
	}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("request reset status = %d", resp.StatusCode)
	}
	resetToken, _ := payload["devResetToken"].(string)
	if resetToken == "" {
		t.Fatal("expected devResetToken without SMTP configured")
	}

	resp, _ = postJSON(t, server.URL+"/api/auth/reset-password", map[string]any{
		"token":       resetToken,
		"newPassword": "senha-nova-12345",
	}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d", resp.StatusCode)
	}

	// Old password no longer works, new one does.
	resp, _ = postJSON(t, server.URL+"/api/auth/signin", map[string]any{
		"email":    "helena@example.com",
		"password": "senha-segura-123",
	}, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("old password status = %d, want 401", resp.StatusCode)
	}
	resp, _ = postJSON(t, server.URL+"/api/auth/signin", map[string]any{
		"email":    "helena@example.com",
		"password": "senha-nova-12345",
	}, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("new password status = %d, want 200", resp.StatusCode)
	}
}

func TestUnknownEmailResetRevealsNothing(t *testing.T) {
	server, _ := newTestServer(t)

	resp, payload := postJSON(t, server.URL+"/api/auth/reset-password/request", map[string]any{
		"email": "desconhecida@example.com",
	}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if _, ok := payload["devResetToken"]; ok {
		t.Error("unknown email must not produce a reset token")
	}
}

func TestRefreshAndLogoutOverHTTP(t *testing.T) {
	server, _ := newTestServer(t)

	resp, payload := postJSON(t, server.URL+"/api/auth/signup", map[string]any{
		"email":       "helena@example.com",
		"password":    "senha-segura-123",
		"displayName": "Helena",
	}, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatal("signup failed")
	}
	verifyToken := payload["devVerificationToken"].(string)
	postJSON(t, server.URL+"/api/auth/verify-email", map[string]any{"token": verifyToken}, "")
	_, payload = postJSON(t, server.URL+"/api/auth/signin", map[string]any{
		"email":    "helena@example.com",
		"password": "senha-segura-123",
	}, "")
	access := payload["accessToken"].(string)
	refresh := payload["refreshToken"].(string)

	resp, payload = postJSON(t, server.URL+"/api/session/refresh", map[string]any{"refreshToken": refresh}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d", resp.StatusCode)
	}
	newRefresh, _ := payload["refreshToken"].(string)
	if newRefresh == "" || newRefresh == refresh {
		t.Error("expected a rotated refresh token")
	}

	// The spent refresh token is gone.
	resp, _ = postJSON(t, server.URL+"/api/session/refresh", map[string]any{"refreshToken": refresh}, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("reused refresh status = %d, want 401", resp.StatusCode)
	}

	resp, _ = postJSON(t, server.URL+"/api/session/logout", map[string]any{"refreshToken": newRefresh}, access)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}
	resp, _ = getJSON(t, server.URL+"/api/patients", access)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("post-logout request status = %d, want 401", resp.StatusCode)
	}
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	server, _ := newTestServer(t)
	resp, payload := getJSON(t, server.URL+"/api/patients", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if payload["code"] != "UNAUTHORIZED" {
		t.Errorf("code = %v", payload["code"])
	}
}

func TestGarbageTokenIsUnauthorized(t *testing.T) {
	server, _ := newTestServer(t)
	resp, _ := getJSON(t, server.URL+"/api/patients", "not-a-jwt")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}
