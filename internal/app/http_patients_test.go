package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func doJSON(t *testing.T, method, url string, body map[string]any, token string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
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

func createPatientHTTP(t *testing.T, server *httptest.Server, token, name string) string {
	t.Helper()
	resp, payload := postJSON(t, server.URL+"/api/patients", map[string]any{"fullName": name}, token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create patient status = %d: %v", resp.StatusCode, payload)
	}
	return payload["id"].(string)
}

func TestPatientCRUDOverHTTP(t *testing.T) {
	server, _ := newTestServer(t)
	token := signUpAndSignIn(t, server, "helena@example.com", "Helena")

	patientID := createPatientHTTP(t, server, token, "Maria Silva")

	resp, payload := getJSON(t, server.URL+"/api/patients/"+patientID, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get patient status = %d", resp.StatusCode)
	}
	if payload["fullName"] != "Maria Silva" {
		t.Errorf("fullName = %v", payload["fullName"])
	}

	resp, payload = doJSON(t, http.MethodPut, server.URL+"/api/patients/"+patientID, map[string]any{
		"fullName":  "Maria Silva Santos",
		"birthDate": "1990-03-15",
		"phone":     "+55 11 99999-0000",
	}, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update patient status = %d: %v", resp.StatusCode, payload)
	}
	if payload["fullName"] != "Maria Silva Santos" || payload["birthDate"] != "1990-03-15" {
		t.Errorf("updated payload = %v", payload)
	}

	resp, payload = getJSON(t, server.URL+"/api/patients", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	patients, _ := payload["patients"].([]any)
	if len(patients) != 1 {
		t.Fatalf("got %d patients, want 1", len(patients))
	}

	resp, _ = doJSON(t, http.MethodDelete, server.URL+"/api/patients/"+patientID, nil, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("archive status = %d", resp.StatusCode)
	}

	_, payload = getJSON(t, server.URL+"/api/patients", token)
	patients, _ = payload["patients"].([]any)
	if len(patients) != 0 {
		t.Errorf("archived patient still listed")
	}

	_, payload = getJSON(t, server.URL+"/api/patients?includeArchived=true", token)
	patients, _ = payload["patients"].([]any)
	if len(patients) != 1 {
		t.Errorf("includeArchived list has %d, want 1", len(patients))
	}
}

func TestRecordLifecycleOverHTTP(t *testing.T) {
	server, _ := newTestServer(t)
	token := signUpAndSignIn(t, server, "helena@example.com", "Helena")
	patientID := createPatientHTTP(t, server, token, "Maria Silva")

	resp, payload := postJSON(t, server.URL+"/api/patients/"+patientID+"/records", map[string]any{
		"sessionDate": "2026-08-18",
		"title":       "Sessão inicial",
		"content":     "Paciente relatou ansiedade.",
	}, token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create record status = %d: %v", resp.StatusCode, payload)
	}
	recordID := payload["id"].(string)
	if payload["status"] != "draft" {
		t.Errorf("default status = %v, want draft", payload["status"])
	}
	if payload["revision"] != float64(1) {
		t.Errorf("revision = %v, want 1", payload["revision"])
	}

	resp, payload = doJSON(t, http.MethodPut, server.URL+"/api/patients/"+patientID+"/records/"+recordID, map[string]any{
		"content": "Paciente relatou ansiedade. Plano definido.",
		"status":  "final",
	}, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update record status = %d: %v", resp.StatusCode, payload)
	}
	if payload["revision"] != float64(2) || payload["status"] != "final" {
		t.Errorf("updated record = %v", payload)
	}

	resp, payload = getJSON(t, server.URL+"/api/patients/"+patientID+"/records/"+recordID+"/revisions", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revisions status = %d", resp.StatusCode)
	}
	revisions, _ := payload["revisions"].([]any)
	if len(revisions) != 1 {
		t.Fatalf("got %d revisions, want 1", len(revisions))
	}
	first, _ := revisions[0].(map[string]any)
	if first["content"] != "Paciente relatou ansiedade." {
		t.Errorf("revision content = %v", first["content"])
	}

	resp, payload = getJSON(t, server.URL+"/api/patients/"+patientID+"/records", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list records status = %d", resp.StatusCode)
	}
	records, _ := payload["records"].([]any)
	if len(records) != 1 {
		t.Errorf("got %d records, want 1", len(records))
	}
}

func TestCrossOwnerAccessIsNotFoundOverHTTP(t *testing.T) {
	server, _ := newTestServer(t)
	ownerToken := signUpAndSignIn(t, server, "helena@example.com", "Helena")
	otherToken := signUpAndSignIn(t, server, "rafael@example.com", "Rafael")

	patientID := createPatientHTTP(t, server, ownerToken, "Maria Silva")
	resp, payload := postJSON(t, server.URL+"/api/patients/"+patientID+"/records", map[string]any{
		"content": "nota",
	}, ownerToken)
	if resp.StatusCode != http.StatusCreated {
		t.Fatal("create record failed")
	}
	recordID := payload["id"].(string)

	// Every cross-owner probe answers 404, indistinguishable from a missing id.
	for _, path := range []string{
		"/api/patients/" + patientID,
		"/api/patients/" + patientID + "/records",
		"/api/patients/" + patientID + "/records/" + recordID,
		"/api/patients/" + patientID + "/records/" + recordID + "/revisions",
	} {
		resp, body := getJSON(t, server.URL+path, otherToken)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s as foreign owner: status = %d, want 404 (%v)", path, resp.StatusCode, body)
		}
	}

	// Cross-owner writes fare no better.
	resp, _ = doJSON(t, http.MethodPut, server.URL+"/api/patients/"+patientID, map[string]any{"fullName": "Hijack"}, otherToken)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign update status = %d, want 404", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodDelete, server.URL+"/api/patients/"+patientID, nil, otherToken)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign archive status = %d, want 404", resp.StatusCode)
	}
}

func TestValidationErrorsOverHTTP(t *testing.T) {
	server, _ := newTestServer(t)
	token := signUpAndSignIn(t, server, "helena@example.com", "Helena")

	resp, payload := postJSON(t, server.URL+"/api/patients", map[string]any{"fullName": ""}, token)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("empty name status = %d, want 422", resp.StatusCode)
	}
	if payload["code"] != "VALIDATION_ERROR" {
		t.Errorf("code = %v", payload["code"])
	}

	resp, _ = postJSON(t, server.URL+"/api/patients", map[string]any{
		"fullName":  "Maria",
		"birthDate": "15/03/1990",
	}, token)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("bad birthDate status = %d, want 422", resp.StatusCode)
	}

	patientID := createPatientHTTP(t, server, token, "Maria Silva")
	resp, _ = postJSON(t, server.URL+"/api/patients/"+patientID+"/records", map[string]any{
		"content": "nota",
		"status":  "published",
	}, token)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("bad status status = %d, want 422", resp.StatusCode)
	}
}

func TestSummaryAndAuditOverHTTP(t *testing.T) {
	server, _ := newTestServer(t)
	token := signUpAndSignIn(t, server, "helena@example.com", "Helena")
	patientID := createPatientHTTP(t, server, token, "Maria Silva")
	postJSON(t, server.URL+"/api/patients/"+patientID+"/records", map[string]any{"content": "nota"}, token)

	resp, payload := getJSON(t, server.URL+"/api/summary", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summary status = %d", resp.StatusCode)
	}
	if payload["patients"] != float64(1) || payload["records"] != float64(1) {
		t.Errorf("summary = %v", payload)
	}

	resp, payload = getJSON(t, server.URL+"/api/audit", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit status = %d", resp.StatusCode)
	}
	events, _ := payload["events"].([]any)
	if len(events) != 2 {
		t.Errorf("got %d audit events, want 2", len(events))
	}
}

func TestSearchWithoutBackendReturnsEmpty(t *testing.T) {
	server, _ := newTestServer(t)
	token := signUpAndSignIn(t, server, "helena@example.com", "Helena")

	resp, payload := getJSON(t, server.URL+"/api/search?q=ansiedade", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search status = %d", resp.StatusCode)
	}
	results, ok := payload["results"].([]any)
	if !ok {
		t.Fatalf("results missing: %v", payload)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestHealthAndReady(t *testing.T) {
	server, _ := newTestServer(t)

	resp, payload := getJSON(t, server.URL+"/api/health", "")
	if resp.StatusCode != http.StatusOK || payload["ok"] != true {
		t.Errorf("health = %d %v", resp.StatusCode, payload)
	}

	resp, payload = getJSON(t, server.URL+"/api/ready", "")
	if resp.StatusCode != http.StatusOK || payload["ok"] != true {
		t.Errorf("ready = %d %v", resp.StatusCode, payload)
	}
}
