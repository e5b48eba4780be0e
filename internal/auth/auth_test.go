package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "otpattend"
)

func TestIssueAndParse(t *testing.T) {
	tok, exp, err := Issue("stuA", RoleStudent, testIssuer, testKey, time.Minute)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), exp, 5*time.Second)

	claims, err := Parse(tok, testKey, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, "stuA", claims.Subject)
	assert.Equal(t, RoleStudent, claims.Role)
}

func TestParseRejects(t *testing.T) {
	tok, _, err := Issue("stuA", RoleStudent, testIssuer, testKey, time.Minute)
	require.NoError(t, err)

	_, err = Parse(tok, "other-key", testIssuer)
	assert.Error(t, err)
	_, err = Parse(tok, testKey, "someone-else")
	assert.Error(t, err)

	expired, _, err := Issue("stuA", RoleStudent, testIssuer, testKey, -time.Minute)
	require.NoError(t, err)
	_, err = Parse(expired, testKey, testIssuer)
	assert.Error(t, err)

	_, _, err = Issue("", RoleStudent, testIssuer, testKey, time.Minute)
	assert.Error(t, err)
}

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/instructor", Authenticate(testKey, testIssuer), RequireRole(RoleInstructor), func(c *gin.Context) {
		claims, _ := ClaimsFrom(c)
		c.String(http.StatusOK, claims.Subject)
	})
	return r
}

func TestMiddleware(t *testing.T) {
	r := newRouter()
	instructor, _, err := Issue("prof", RoleInstructor, testIssuer, testKey, time.Minute)
	require.NoError(t, err)
	student, _, err := Issue("stuA", RoleStudent, testIssuer, testKey, time.Minute)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"wrong role", "Bearer " + student, http.StatusForbidden},
		{"instructor", "bearer " + instructor, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/instructor", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
		})
	}
}
