package authpw

import (
	"context"
	"errors"
	"testing"
	"time"

	"songbook/api/internal/store"
)

// mockUserStore is a mock implementation of UserStore for testing
type mockUserStore struct {
	users         map[string]store.User
	emailIndex    map[string]string // email -> userID
	usernameIndex map[string]string // username -> userID
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:         make(map[string]store.User),
		emailIndex:    make(map[string]string),
		usernameIndex: make(map[string]string),
	}
}

func (m *mockUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if userID, ok := m.emailIndex[email]; ok {
		return m.users[userID], nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) GetUserByUsername(ctx context.Context, username string) (store.User, error) {
	if userID, ok := m.usernameIndex[username]; ok {
		return m.users[userID], nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if user, ok := m.users[id]; ok {
		return user, nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) CreateUser(ctx context.Context, user store.User) error {
	m.users[user.ID] = user
	m.emailIndex[user.Email] = user.ID
	m.usernameIndex[user.Username] = user.ID
	return nil
}

func (m *mockUserStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	if user, ok := m.users[userID]; ok {
		user.VerificationToken = token
		user.VerificationExpiresAt = &expiresAt
		m.users[userID] = user
	}
	return nil
}

func (m *mockUserStore) VerifyUserEmail(ctx context.Context, token string) (store.User, error) {
	for id, user := range m.users {
		if user.VerificationToken == token && user.VerificationExpiresAt != nil && time.Now().Before(*user.VerificationExpiresAt) {
			user.IsEmailVerified = true
			user.VerificationToken = ""
			user.VerificationExpiresAt = nil
			m.users[id] = user
			return user, nil
		}
	}
	return store.User{}, errors.New("invalid token")
}

func (m *mockUserStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	if user, ok := m.users[userID]; ok {
		user.PasswordHash = passwordHash
		m.users[userID] = user
		return nil
	}
	return errors.New("user not found")
}

func TestSignUp(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockUserStore()
	svc := NewService(mockStore)

	t.Run("successful sign up", func(t *testing.T) {
		req := SignUpRequest{
			Username: "maria",
			RealName: "Maria Keys",
			Email:    "maria@example.com",
			Password: "password123",
		}
		resp, err := svc.SignUp(ctx, req)
		if err != nil {
			t.Fatalf("SignUp() error = %v", err)
		}
		if resp.UserID == "" {
			t.Fatal("expected a user ID")
		}
		if !resp.RequiresEmailVerify || resp.VerificationToken == "" {
			t.Fatalf("expected verification to be required, got %+v", resp)
		}

		created := mockStore.users[resp.UserID]
		if created.PasswordHash == "password123" {
			t.Fatal("password must not be stored in plaintext")
		}
		if created.IsEmailVerified {
			t.Fatal("new accounts must start unverified")
		}
	})

	t.Run("duplicate email rejected", func(t *testing.T) {
		_, err := svc.SignUp(ctx, SignUpRequest{
			Username: "maria2",
			Email:    "maria@example.com",
			Password: "password123",
		})
		if err == nil {
			t.Fatal("expected duplicate email to be rejected")
		}
	})

	t.Run("duplicate username rejected", func(t *testing.T) {
		_, err := svc.SignUp(ctx, SignUpRequest{
			Username: "maria",
			Email:    "other@example.com",
			Password: "password123",
		})
		if err == nil {
			t.Fatal("expected duplicate username to be rejected")
		}
	})

	t.Run("short password rejected", func(t *testing.T) {
		_, err := svc.SignUp(ctx, SignUpRequest{
			Username: "shorty",
			Email:    "shorty@example.com",
			Password: "short",
		})
		if err == nil {
			t.Fatal("expected short password to be rejected")
		}
	})
}

func TestSignInAndVerify(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockUserStore()
	svc := NewService(mockStore)

	resp, err := svc.SignUp(ctx, SignUpRequest{
		Username: "tomas",
		Email:    "tomas@example.com",
		Password: "password123",
	})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}

	t.Run("unverified account flagged on sign in", func(t *testing.T) {
		signIn, err := svc.SignIn(ctx, SignInRequest{Login: "tomas@example.com", Password: "password123"})
		if err != nil {
			t.Fatalf("SignIn() error = %v", err)
		}
		if !signIn.RequiresVerify {
			t.Fatal("expected RequiresVerify for unverified account")
		}
	})

	t.Run("verify email", func(t *testing.T) {
		user, err := svc.VerifyEmail(ctx, resp.VerificationToken)
		if err != nil {
			t.Fatalf("VerifyEmail() error = %v", err)
		}
		if !user.IsEmailVerified {
			t.Fatal("expected user to be verified")
		}
	})

	t.Run("sign in by email", func(t *testing.T) {
		signIn, err := svc.SignIn(ctx, SignInRequest{Login: "tomas@example.com", Password: "password123"})
		if err != nil {
			t.Fatalf("SignIn() error = %v", err)
		}
		if signIn.RequiresVerify {
			t.Fatal("verified account should not require verification")
		}
	})

	t.Run("sign in by username", func(t *testing.T) {
		signIn, err := svc.SignIn(ctx, SignInRequest{Login: "tomas", Password: "password123"})
		if err != nil {
			t.Fatalf("SignIn() error = %v", err)
		}
		if signIn.User.Email != "tomas@example.com" {
			t.Fatalf("unexpected user: %+v", signIn.User)
		}
	})

	t.Run("wrong password rejected", func(t *testing.T) {
		_, err := svc.SignIn(ctx, SignInRequest{Login: "tomas", Password: "wrong-password"})
		if err == nil {
			t.Fatal("expected wrong password to be rejected")
		}
	})
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockUserStore()
	svc := NewService(mockStore)

	resp, err := svc.SignUp(ctx, SignUpRequest{
		Username: "nina",
		Email:    "nina@example.com",
		Password: "password123",
	})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if _, err := svc.VerifyEmail(ctx, resp.VerificationToken); err != nil {
		t.Fatalf("VerifyEmail() error = %v", err)
	}

	if err := svc.ChangePassword(ctx, resp.UserID, "wrong", "newpassword1"); err == nil {
		t.Fatal("expected wrong current password to be rejected")
	}

	if err := svc.ChangePassword(ctx, resp.UserID, "password123", "newpassword1"); err != nil {
		t.Fatalf("ChangePassword() error = %v", err)
	}

	if _, err := svc.SignIn(ctx, SignInRequest{Login: "nina", Password: "newpassword1"}); err != nil {
		t.Fatalf("SignIn() with new password error = %v", err)
	}
}

func TestResendVerificationDoesNotLeakAccounts(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newMockUserStore())

	token, err := svc.ResendVerification(ctx, "nobody@example.com")
	if err != nil {
		t.Fatalf("ResendVerification() error = %v", err)
	}
	if token != "" {
		t.Fatal("unknown email must not yield a token")
	}
}
