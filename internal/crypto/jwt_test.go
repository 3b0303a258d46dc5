package crypto

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testIssuer = "conversation-service"

func TestGenerateToken(t *testing.T) {
	token, err := GenerateToken("user-42", testIssuer, "test-secret", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() unexpected error: %v", err)
	}
	if token == "" {
		t.Fatal("GenerateToken() returned empty string")
	}
}

func TestValidateTokenValid(t *testing.T) {
	secret := "test-secret"

	token, err := GenerateToken("user-42", testIssuer, secret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() unexpected error: %v", err)
	}

	claims, err := ValidateToken(token, testIssuer, secret)
	if err != nil {
		t.Fatalf("ValidateToken() unexpected error: %v", err)
	}
	if claims.UserID() != "user-42" {
		t.Errorf("ValidateToken() UserID = %q, want %q", claims.UserID(), "user-42")
	}
}

func TestValidateTokenInvalid(t *testing.T) {
	_, err := ValidateToken("not-a-valid-token", testIssuer, "test-secret")
	if err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateTokenWrongSecret(t *testing.T) {
	token, err := GenerateToken("user-42", testIssuer, "correct-secret", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() unexpected error: %v", err)
	}

	if _, err := ValidateToken(token, testIssuer, "wrong-secret"); err == nil {
		t.Error("ValidateToken() expected error for wrong secret")
	}
}

func TestValidateTokenExpired(t *testing.T) {
	token, err := GenerateToken("user-42", testIssuer, "test-secret", -time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken() unexpected error: %v", err)
	}

	if _, err := ValidateToken(token, testIssuer, "test-secret"); err == nil {
		t.Error("ValidateToken() expected error for expired token")
	}
}

func TestValidateTokenRejectsClaims(t *testing.T) {
	secret := "test-secret"
	now := time.Now()

	tests := []struct {
		name   string
		claims jwt.RegisteredClaims
	}{
		{
			name: "wrong issuer",
			claims: jwt.RegisteredClaims{
				Subject: "user-42", Issuer: "wrong-issuer", Audience: jwt.ClaimStrings{tokenAudience},
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
		},
		{
			name: "wrong audience",
			claims: jwt.RegisteredClaims{
				Subject: "user-42", Issuer: testIssuer, Audience: jwt.ClaimStrings{"wrong-audience"},
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
		},
		{
			name: "missing subject",
			claims: jwt.RegisteredClaims{
				Issuer: testIssuer, Audience: jwt.ClaimStrings{tokenAudience},
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: tt.claims})
			tokenString, err := token.SignedString([]byte(secret))
			if err != nil {
				t.Fatalf("SignedString() unexpected error: %v", err)
			}
			if _, err := ValidateToken(tokenString, testIssuer, secret); err != ErrInvalidToken {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}
