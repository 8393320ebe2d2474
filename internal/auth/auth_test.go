package auth_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-ledger/internal/auth"
	"github.com/ksred/klear-ledger/internal/database/dbtest"
	"github.com/ksred/klear-ledger/internal/ledger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newService(t *testing.T) (*auth.Service, *ledger.Database) {
	t.Helper()
	db := dbtest.New(t)
	return auth.NewService("test-secret", db), ledger.NewDatabase(db)
}

func createUser(t *testing.T, store *ledger.Database, email, password string) *ledger.Account {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	account := &ledger.Account{
		AccountID:    "ACC_" + email,
		Name:         "Test",
		Email:        email,
		PasswordHash: hash,
		Role:         ledger.RoleUser,
		ReferralCode: "C" + email[:5],
	}
	if err := store.CreateAccount(context.Background(), account); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	return account
}

func TestLogin(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	account := createUser(t, store, "alice@example.com", "s3cret-pass")

	tests := []struct {
		name     string
		email    string
		password string
		wantErr  error
	}{
		{"valid", "alice@example.com", "s3cret-pass", nil},
		{"email is normalised", "  Alice@Example.com ", "s3cret-pass", nil},
		{"wrong password", "alice@example.com", "nope", auth.ErrInvalidCredentials},
		{"unknown email", "bob@example.com", "s3cret-pass", auth.ErrInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := svc.Login(ctx, auth.Credentials{Email: tt.email, Password: tt.password})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Login() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}

			claims, err := svc.ValidateToken(resp.Token)
			if err != nil {
				t.Fatalf("ValidateToken() error = %v", err)
			}
			if claims.AccountID != account.AccountID || claims.Role != ledger.RoleUser {
				t.Errorf("claims = %+v", claims)
			}
		})
	}
}

func TestAuthenticateRejectsBlockedAccount(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	account := createUser(t, store, "carol@example.com", "password1")

	token, err := svc.GenerateToken(account)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	actor, err := svc.Authenticate(ctx, token.Token)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if actor.ID != account.AccountID || actor.IsAdmin() {
		t.Errorf("actor = %+v", actor)
	}

	if err := store.SetBlocked(ctx, account.AccountID, true); err != nil {
		t.Fatalf("SetBlocked() error = %v", err)
	}
	if _, err := svc.Authenticate(ctx, token.Token); !errors.Is(err, ledger.ErrAccountBlocked) {
		t.Errorf("Authenticate() error = %v, want ErrAccountBlocked", err)
	}
}

func TestValidateTokenRejectsForeignSignature(t *testing.T) {
	svc, store := newService(t)
	other := auth.NewService("other-secret", store.DB())
	account := createUser(t, store, "dave@example.com", "password1")

	token, err := other.GenerateToken(account)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if _, err := svc.ValidateToken(token.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("ValidateToken() error = %v, want ErrInvalidToken", err)
	}
}

func TestSeedAdminIsIdempotent(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	first, err := svc.SeedAdmin(ctx, "admin@example.com", "admin-pass")
	if err != nil {
		t.Fatalf("SeedAdmin() error = %v", err)
	}
	second, err := svc.SeedAdmin(ctx, "admin@example.com", "admin-pass")
	if err != nil {
		t.Fatalf("SeedAdmin() error = %v", err)
	}
	if first.AccountID != second.AccountID {
		t.Errorf("seeded twice: %s vs %s", first.AccountID, second.AccountID)
	}
	if first.Role != ledger.RoleAdmin {
		t.Errorf("role = %s, want ADMIN", first.Role)
	}
	if first.PasswordHash == "admin-pass" {
		t.Error("password stored in plaintext")
	}

	resp, err := svc.Login(ctx, auth.Credentials{Email: "admin@example.com", Password: "admin-pass"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	actor, err := svc.Authenticate(ctx, resp.Token)
	if err != nil || !actor.IsAdmin() {
		t.Errorf("Authenticate() = %+v, %v", actor, err)
	}
}

func TestLoginHandler(t *testing.T) {
	svc, store := newService(t)
	createUser(t, store, "erin@example.com", "password1")

	router := gin.New()
	router.POST("/auth/login", auth.NewGinHandlers(svc).LoginHandler())

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"success", `{"email":"erin@example.com","password":"password1"}`, http.StatusCreated},
		{"bad credentials", `{"email":"erin@example.com","password":"wrong"}`, http.StatusUnauthorized},
		{"missing fields", `{"email":"erin@example.com"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusCreated {
				return
			}

			var body struct {
				Data auth.TokenResponse `json:"data"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid body: %v", err)
			}
			if body.Data.Token == "" {
				t.Error("empty token")
			}
		})
	}
}
