package httpapi

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"atv.dev/internal/config"
	"atv.dev/internal/services"
)

func tokenAPI() *API {
	var cfg config.Config
	cfg.LoadDefaults()
	cfg.AuthSecret = testSecret
	cfg.AuthIssuer = testIssuer
	return &API{cfg: cfg}
}

func TestParseTokenValid(t *testing.T) {
	a := tokenAPI()
	sub := uuid.New()
	token := signToken(t, Claims{
		AuthorizedParty: "parking-ui",
		GivenName:       "Anna",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   sub.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	claims, err := a.parseToken(token)
	if err != nil {
		t.Fatalf("parseToken: %v", err)
	}
	if claims.Subject != sub.String() || claims.AuthorizedParty != "parking-ui" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestParseTokenRejects(t *testing.T) {
	a := tokenAPI()
	sub := uuid.NewString()
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))

	cases := []struct {
		name   string
		claims Claims
	}{
		{"wrong issuer", Claims{RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "someone-else", Subject: sub, ExpiresAt: future}}},
		{"expired", Claims{RegisteredClaims: jwt.RegisteredClaims{
			Issuer: testIssuer, Subject: sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))}}},
		{"missing expiry", Claims{RegisteredClaims: jwt.RegisteredClaims{
			Issuer: testIssuer, Subject: sub}}},
		{"empty subject", Claims{RegisteredClaims: jwt.RegisteredClaims{
			Issuer: testIssuer, ExpiresAt: future}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := a.parseToken(signToken(t, tc.claims)); err == nil {
				t.Fatal("expected rejection")
			}
		})
	}
}

func TestParseTokenRejectsWrongAlgorithm(t *testing.T) {
	a := tokenAPI()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.parseToken(token); err == nil {
		t.Fatal("expected rejection")
	}
}

func TestAPIKeyPresent(t *testing.T) {
	if apiKeyPresent(services.Identity{AuthMethod: "token"}) {
		t.Fatal("token identity reported as api key")
	}
	if !apiKeyPresent(services.Identity{AuthMethod: "api_key"}) {
		t.Fatal("api key identity not reported")
	}
}
