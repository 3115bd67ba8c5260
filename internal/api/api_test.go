package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/contactspidey/mail-infra/internal/apperr"
	"github.com/contactspidey/mail-infra/internal/mailstore/sqlite"
	"github.com/contactspidey/mail-infra/internal/push"
	"github.com/contactspidey/mail-infra/internal/secrets"
	"github.com/contactspidey/mail-infra/internal/store"
	syncer "github.com/contactspidey/mail-infra/internal/sync"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type noUserSyncer struct{}

func (noUserSyncer) SyncFromHistory(context.Context, string, uint64) (*syncer.Result, error) {
	return &syncer.Result{NoUser: true}, nil
}

type emptyCreds struct{}

func (emptyCreds) Credential(context.Context, string) (*store.Credential, error) {
	return nil, apperr.NotFound("OAuth credentials not found for this user")
}

func emailServer(t *testing.T) *EmailServer {
	t.Helper()
	dataRoot := t.TempDir()
	return &EmailServer{
		Engine: &syncer.Engine{Creds: emptyCreds{}, Log: zerolog.Nop()},
		Push:   &push.Handler{Syncer: noUserSyncer{}, Log: zerolog.Nop()},
		OpenMail: func(userEmail string) (*sqlite.Store, error) {
			return sqlite.OpenUserDB(dataRoot, userEmail)
		},
		Log: zerolog.Nop(),
	}
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, w.Body.String())
	}
	return m
}

func TestHealth(t *testing.T) {
	w := doJSON(t, emailServer(t).Router(), http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestRefreshWithoutCredentials(t *testing.T) {
	w := doJSON(t, emailServer(t).Router(), http.MethodPost, "/refresh-emails",
		map[string]string{"user_email": "ghost@example.com"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	if body["message"] != "no emails present" {
		t.Errorf("message = %v", body["message"])
	}
	if body["emails_synced"] != float64(0) {
		t.Errorf("emails_synced = %v", body["emails_synced"])
	}
}

func TestRefreshValidation(t *testing.T) {
	tests := []struct {
		name string
		body map[string]string
	}{
		{name: "missing user_email", body: map[string]string{}},
		{name: "not an email", body: map[string]string{"user_email": "not-an-email"}},
	}
	router := emailServer(t).Router()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, http.MethodPost, "/refresh-emails", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestWebhookAlwaysAcknowledges(t *testing.T) {
	router := emailServer(t).Router()

	tests := []struct {
		name       string
		body       string
		wantStatus string
	}{
		{name: "empty body", body: "", wantStatus: push.StatusNoData},
		{name: "garbage body", body: "not json", wantStatus: push.StatusDecodeError},
		{
			name:       "unknown user",
			body:       `{"message": {"data": "eyJlbWFpbEFkZHJlc3MiOiAiZ2hvc3RAZXhhbXBsZS5jb20iLCAiaGlzdG9yeUlkIjogNX0=", "messageId": "m1"}}`,
			wantStatus: push.StatusUnknownUser,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/gmail-webhook", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			if body := decodeBody(t, w); body["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %q", body["status"], tt.wantStatus)
			}
		})
	}
}

func TestFetchEmailsEmptyMailbox(t *testing.T) {
	router := emailServer(t).Router()

	w := doJSON(t, router, http.MethodGet, "/fetch-emails?user_email=alice@example.com", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["total_threads"] != float64(0) {
		t.Errorf("total_threads = %v", body["total_threads"])
	}
	if body["has_more"] != false {
		t.Errorf("has_more = %v", body["has_more"])
	}

	w = doJSON(t, router, http.MethodGet, "/fetch-emails", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing user_email: status = %d, want 400", w.Code)
	}
}

func TestDraftLifecycle(t *testing.T) {
	router := emailServer(t).Router()
	user := "alice@example.com"

	w := doJSON(t, router, http.MethodPost, "/drafts", map[string]string{
		"user_email": user,
		"to_email":   "bob@example.com",
		"subject":    "hi",
		"body":       "first version",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d: %s", w.Code, w.Body.String())
	}
	draftID, _ := decodeBody(t, w)["draft_id"].(string)
	if draftID == "" {
		t.Fatal("create: no draft_id in response")
	}

	w = doJSON(t, router, http.MethodPut, "/drafts/"+draftID, map[string]string{
		"user_email": user,
		"to_email":   "bob@example.com",
		"subject":    "hi",
		"body":       "second version",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("update: status = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, "/drafts?user_email="+user, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["total_drafts"] != float64(1) {
		t.Errorf("total_drafts = %v, want 1", body["total_drafts"])
	}

	w = doJSON(t, router, http.MethodDelete, "/drafts/"+draftID+"?user_email="+user, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: status = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodDelete, "/drafts/"+draftID+"?user_email="+user, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("double delete: status = %d, want 404", w.Code)
	}
}

func oauthServer(t *testing.T) *OAuthServer {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "creds.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	crypto, err := secrets.NewEncryptor([]byte("test-encryption-key"))
	if err != nil {
		t.Fatal(err)
	}
	return &OAuthServer{Store: st, Crypto: crypto, Log: zerolog.Nop()}
}

func TestStoreAuthRoundTrip(t *testing.T) {
	router := oauthServer(t).Router()
	user := "alice@example.com"

	w := doJSON(t, router, http.MethodPost, "/store-auth", map[string]string{
		"user_email":    user,
		"access_token":  "at-1",
		"refresh_token": "rt-1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("store-auth: status = %d: %s", w.Code, w.Body.String())
	}

	// A token refresh without a new refresh token must keep the old one.
	w = doJSON(t, router, http.MethodPost, "/store-auth", map[string]string{
		"user_email":   user,
		"access_token": "at-2",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("re-store-auth: status = %d", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/get-auth?user_email="+user, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get-auth: status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["access_token"] != "at-2" || body["refresh_token"] != "rt-1" {
		t.Errorf("credentials = %v", body)
	}

	w = doJSON(t, router, http.MethodGet, "/get-auth?user_email=ghost@example.com", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown user: status = %d, want 404", w.Code)
	}
}

func TestKeyManagement(t *testing.T) {
	router := oauthServer(t).Router()
	user := "alice@example.com"

	w := doJSON(t, router, http.MethodPost, "/store-key", map[string]string{
		"user_email": user,
		"key_type":   "gemini_api_key",
		"key_value":  "AIza-secret",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("store-key: status = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodPost, "/store-key", map[string]string{
		"user_email": user,
		"key_type":   "unsupported_key",
		"key_value":  "x",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unsupported key type: status = %d, want 400", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/check-keys?user_email="+user, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("check-keys: status = %d", w.Code)
	}
	body := decodeBody(t, w)
	keys, _ := body["keys"].(map[string]any)
	if keys["gemini_api_key"] != true || keys["deepseek_v3_key"] != false {
		t.Errorf("keys = %v", keys)
	}
	// The first stored key is auto-selected.
	if body["current_key"] != "gemini_api_key" {
		t.Errorf("current_key = %v", body["current_key"])
	}

	w = doJSON(t, router, http.MethodPost, "/set-current-key", map[string]string{
		"user_email": user,
		"key_type":   "deepseek_v3_key",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("selecting unstored key: status = %d, want 404", w.Code)
	}
}
