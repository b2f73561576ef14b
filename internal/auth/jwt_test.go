package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testKeyServer serves a JWKS document for a rotating set of RSA keys and
// counts fetches.
type testKeyServer struct {
	t       *testing.T
	keys    map[string]*rsa.PrivateKey
	fetches int
	server  *httptest.Server
}

func newTestKeyServer(t *testing.T) *testKeyServer {
	t.Helper()
	ks := &testKeyServer{t: t, keys: make(map[string]*rsa.PrivateKey)}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		ks.fetches++
		doc := map[string]any{"keys": ks.jwks()}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	})
	ks.server = httptest.NewServer(mux)
	t.Cleanup(ks.server.Close)
	return ks
}

func (ks *testKeyServer) addKey(kid string) *rsa.PrivateKey {
	ks.t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(ks.t, err)
	ks.keys[kid] = key
	return key
}

func (ks *testKeyServer) jwks() []map[string]string {
	var out []map[string]string
	for kid, key := range ks.keys {
		out = append(out, map[string]string{
			"kty": "RSA",
			"kid": kid,
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		})
	}
	return out
}

func (ks *testKeyServer) issuer() string { return ks.server.URL }

// sign produces an RS256 token with the given kid and claims.
func (ks *testKeyServer) sign(kid string, claims jwt.MapClaims) string {
	ks.t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(ks.keys[kid])
	require.NoError(ks.t, err)
	return signed
}

func baseClaims(issuer string, tenantID uuid.UUID) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":              "user-1",
		"iss":              issuer,
		"aud":              "askdocs-api",
		"exp":              time.Now().Add(time.Hour).Unix(),
		"email":            "u@example.com",
		"custom:tenant_id": tenantID.String(),
		"custom:role":      "member",
	}
}

func newTestVerifier(ks *testKeyServer) *Verifier {
	cache := NewJWKSCache()
	return NewVerifier(cache, VerifierConfig{
		Issuer:         ks.issuer(),
		Audience:       "askdocs-api",
		ClaimNamespace: "https://askdocs.io",
	}, slog.Default())
}

func TestVerify_HappyPath(t *testing.T) {
	ks := newTestKeyServer(t)
	ks.addKey("k1")
	tenantID := uuid.New()

	v := newTestVerifier(ks)
	principal, err := v.VerifyBearer(context.Background(), "Bearer "+ks.sign("k1", baseClaims(ks.issuer(), tenantID)))
	require.NoError(t, err)

	assert.Equal(t, "user-1", principal.UserID)
	assert.Equal(t, tenantID, principal.TenantID)
	assert.Equal(t, RoleMember, principal.Role)
	assert.Equal(t, "u@example.com", principal.Email)
}

func TestVerify_MalformedHeader(t *testing.T) {
	ks := newTestKeyServer(t)
	ks.addKey("k1")
	v := newTestVerifier(ks)

	for _, header := range []string{"", "Bearer", "Bearer ", "Basic abc", "garbage"} {
		_, err := v.VerifyBearer(context.Background(), header)
		assert.ErrorIs(t, err, ErrMalformedHeader, "header %q", header)
	}
}

func TestVerify_ExpiredByOneSecond(t *testing.T) {
	ks := newTestKeyServer(t)
	ks.addKey("k1")
	v := newTestVerifier(ks)

	claims := baseClaims(ks.issuer(), uuid.New())
	claims["exp"] = time.Now().Add(-time.Second).Unix()

	_, err := v.Verify(context.Background(), ks.sign("k1", claims))
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerify_BadAudience(t *testing.T) {
	ks := newTestKeyServer(t)
	ks.addKey("k1")
	v := newTestVerifier(ks)

	claims := baseClaims(ks.issuer(), uuid.New())
	claims["aud"] = "someone-else"

	_, err := v.Verify(context.Background(), ks.sign("k1", claims))
	assert.ErrorIs(t, err, ErrBadAudience)
}

func TestVerify_MissingTenant(t *testing.T) {
	ks := newTestKeyServer(t)
	ks.addKey("k1")
	v := newTestVerifier(ks)

	claims := baseClaims(ks.issuer(), uuid.New())
	delete(claims, "custom:tenant_id")

	_, err := v.Verify(context.Background(), ks.sign("k1", claims))
	assert.ErrorIs(t, err, ErrMissingTenant)
}

func TestVerify_TenantClaimFallbackOrder(t *testing.T) {
	ks := newTestKeyServer(t)
	ks.addKey("k1")
	v := newTestVerifier(ks)
	tenantID := uuid.New()

	// Namespaced form.
	claims := baseClaims(ks.issuer(), uuid.New())
	delete(claims, "custom:tenant_id")
	claims["https://askdocs.io/tenant_id"] = tenantID.String()
	principal, err := v.Verify(context.Background(), ks.sign("k1", claims))
	require.NoError(t, err)
	assert.Equal(t, tenantID, principal.TenantID)

	// Bare form.
	claims = baseClaims(ks.issuer(), uuid.New())
	delete(claims, "custom:tenant_id")
	claims["tenant_id"] = tenantID.String()
	principal, err = v.Verify(context.Background(), ks.sign("k1", claims))
	require.NoError(t, err)
	assert.Equal(t, tenantID, principal.TenantID)
}

func TestVerify_InvalidTenant(t *testing.T) {
	ks := newTestKeyServer(t)
	ks.addKey("k1")
	v := newTestVerifier(ks)

	claims := baseClaims(ks.issuer(), uuid.New())
	claims["custom:tenant_id"] = "not-a-uuid"

	_, err := v.Verify(context.Background(), ks.sign("k1", claims))
	assert.ErrorIs(t, err, ErrInvalidTenant)
}

func TestVerify_RoleFromCognitoGroups(t *testing.T) {
	ks := newTestKeyServer(t)
	ks.addKey("k1")
	v := newTestVerifier(ks)

	claims := baseClaims(ks.issuer(), uuid.New())
	delete(claims, "custom:role")
	claims["cognito:groups"] = []any{"admin", "other"}

	principal, err := v.Verify(context.Background(), ks.sign("k1", claims))
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, principal.Role)
}

func TestVerify_UnknownRoleDefaultsToViewer(t *testing.T) {
	ks := newTestKeyServer(t)
	ks.addKey("k1")
	v := newTestVerifier(ks)

	claims := baseClaims(ks.issuer(), uuid.New())
	claims["custom:role"] = "superuser"

	principal, err := v.Verify(context.Background(), ks.sign("k1", claims))
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, principal.Role)
}

func TestVerify_KidRotation(t *testing.T) {
	ks := newTestKeyServer(t)
	ks.addKey("k1")
	v := newTestVerifier(ks)

	// Warm the cache with k1.
	_, err := v.Verify(context.Background(), ks.sign("k1", baseClaims(ks.issuer(), uuid.New())))
	require.NoError(t, err)
	require.Equal(t, 1, ks.fetches)

	// A token signed by a new key: unknown on the cached set, present
	// after the refetch.
	ks.addKey("k2")
	_, err = v.Verify(context.Background(), ks.sign("k2", baseClaims(ks.issuer(), uuid.New())))
	require.NoError(t, err)
	assert.Equal(t, 2, ks.fetches)
}

func TestVerify_UnknownKidAfterRefetch(t *testing.T) {
	ks := newTestKeyServer(t)
	signing := ks.addKey("k1")
	v := newTestVerifier(ks)

	// Sign with a kid the server will never publish.
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, baseClaims(ks.issuer(), uuid.New()))
	token.Header["kid"] = "ghost"
	signed, err := token.SignedString(signing)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), signed)
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestVerify_KeyServerDown(t *testing.T) {
	ks := newTestKeyServer(t)
	signing := ks.addKey("k1")
	v := newTestVerifier(ks)
	signed := ks.sign("k1", baseClaims(ks.issuer(), uuid.New()))
	_ = signing

	ks.server.Close()

	_, err := v.Verify(context.Background(), signed)
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestRoleHierarchy(t *testing.T) {
	assert.True(t, RoleOwner.AtLeast(RoleAdmin))
	assert.True(t, RoleAdmin.AtLeast(RoleAdmin))
	assert.False(t, RoleMember.AtLeast(RoleAdmin))
	assert.False(t, RoleViewer.AtLeast(RoleMember))
	assert.True(t, RoleMember.AtLeast(RoleViewer))

	role, known := ParseRole("owner")
	assert.True(t, known)
	assert.Equal(t, RoleOwner, role)

	role, known = ParseRole("root")
	assert.False(t, known)
	assert.Equal(t, RoleViewer, role)
}

func TestJWKSCache_Stats(t *testing.T) {
	ks := newTestKeyServer(t)
	ks.addKey("k1")

	now := time.Now()
	cache := NewJWKSCache(WithJWKSClock(func() time.Time { return now }))
	_, err := cache.Key(context.Background(), ks.issuer(), "k1")
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	stats := cache.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, ks.issuer(), stats[0].Issuer)
	assert.Equal(t, 10*time.Minute, stats[0].Age)
	assert.Equal(t, 50*time.Minute, stats[0].RemainingTTL)
	assert.Equal(t, 1, stats[0].KeyCount)
}

func TestJWKSCache_TTLExpiryRefetches(t *testing.T) {
	ks := newTestKeyServer(t)
	ks.addKey("k1")

	now := time.Now()
	cache := NewJWKSCache(WithJWKSClock(func() time.Time { return now }))

	_, err := cache.Key(context.Background(), ks.issuer(), "k1")
	require.NoError(t, err)
	require.Equal(t, 1, ks.fetches)

	// Within TTL: served from cache.
	_, err = cache.Key(context.Background(), ks.issuer(), "k1")
	require.NoError(t, err)
	require.Equal(t, 1, ks.fetches)

	// Past TTL: refetched.
	now = now.Add(2 * time.Hour)
	_, err = cache.Key(context.Background(), ks.issuer(), "k1")
	require.NoError(t, err)
	assert.Equal(t, 2, ks.fetches)
}
