package security

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "testsecret"

var testAudience = []string{"adsb-geobuf", "adsb-json"}

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(testSecret, testAudience)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	return a
}

func TestNewAuthenticatorRequiresSecret(t *testing.T) {
	if _, err := NewAuthenticator("", testAudience); err != ErrNoSecret {
		t.Errorf("NewAuthenticator(\"\") error = %v, want ErrNoSecret", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	a := newTestAuthenticator(t)
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	token, err := a.Mint("karl", 900*time.Second, exp)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	claims, err := a.Verify(token, "adsb-json")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.User != "karl" {
		t.Errorf("usr = %q, want %q", claims.User, "karl")
	}
	if claims.Duration != 900 {
		t.Errorf("dur = %d, want 900", claims.Duration)
	}
	if claims.Issuer != Issuer {
		t.Errorf("iss = %q, want %q", claims.Issuer, Issuer)
	}
	if got := claims.ExpiresAt.Time.Unix(); got != exp.Unix() {
		t.Errorf("exp = %d, want %d", got, exp.Unix())
	}

	// Both advertised subprotocols are acceptable audiences.
	if _, err := a.Verify(token, "adsb-geobuf"); err != nil {
		t.Errorf("Verify(adsb-geobuf): %v", err)
	}
}

func TestVerifyRejections(t *testing.T) {
	a := newTestAuthenticator(t)
	exp := time.Now().Add(time.Hour)

	good, err := a.Mint("demo", 900*time.Second, exp)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	otherAudience, _ := NewAuthenticator(testSecret, []string{"other"})
	wrongAud, _ := otherAudience.Mint("demo", 900*time.Second, exp)

	wrongSecret, _ := NewAuthenticator("not-the-secret", testAudience)
	forged, _ := wrongSecret.Mint("demo", 900*time.Second, exp)

	expired, _ := a.Mint("demo", 900*time.Second, time.Now().Add(-time.Minute))

	anonymous, _ := a.Mint("", 900*time.Second, exp)

	badIssuer := signRaw(t, jwt.MapClaims{
		"usr": "demo",
		"dur": 900,
		"iss": "urn:somewhere.else",
		"aud": testAudience,
		"exp": exp.Unix(),
	})

	noExpiry := signRaw(t, jwt.MapClaims{
		"usr": "demo",
		"dur": 900,
		"iss": Issuer,
		"aud": testAudience,
	})

	testCases := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"not a token", "xxx.yyy.zzz"},
		{"audience mismatch", wrongAud},
		{"wrong secret", forged},
		{"expired", expired},
		{"missing usr", anonymous},
		{"wrong issuer", badIssuer},
		{"missing exp", noExpiry},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := a.Verify(tc.token, "adsb-json"); err == nil {
				t.Error("Verify accepted a token it should reject")
			}
		})
	}

	if _, err := a.Verify(good, "adsb-json"); err != nil {
		t.Errorf("Verify rejected a valid token: %v", err)
	}
}

func signRaw(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestDeadline(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	testCases := []struct {
		name string
		dur  int64
		exp  time.Time
		want time.Time
	}{
		{
			name: "duration before expiry",
			dur:  600,
			exp:  now.Add(time.Hour),
			want: now.Add(10 * time.Minute),
		},
		{
			name: "expiry before duration",
			dur:  7200,
			exp:  now.Add(30 * time.Minute),
			want: now.Add(30 * time.Minute),
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Claims{
				Duration: tc.dur,
				RegisteredClaims: jwt.RegisteredClaims{
					ExpiresAt: jwt.NewNumericDate(tc.exp),
				},
			}
			if got := c.Deadline(now); !got.Equal(tc.want) {
				t.Errorf("Deadline = %v, want %v", got, tc.want)
			}
		})
	}
}
