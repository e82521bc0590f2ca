package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/hal9000y/imessage-relay/internal/auth"
)

func tokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("code") != "good-code" && r.Form.Get("grant_type") != "refresh_token" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"access-1234","token_type":"Bearer","refresh_token":"refresh","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func oauthCfg(srv *httptest.Server) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost/oauth",
		Scopes:       []string{"scope"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  srv.URL + "/auth",
			TokenURL: srv.URL + "/token",
		},
	}
}

func stateOf(t *testing.T, redirect string) string {
	t.Helper()
	u, err := url.Parse(redirect)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestTokenAuthorizeAndPersist(t *testing.T) {
	srv := tokenServer(t)
	path := filepath.Join(t.TempDir(), "data", "token.json")

	tok, err := auth.NewToken(oauthCfg(srv), path)
	require.NoError(t, err)

	_, err = tok.OAuthToken()
	require.ErrorIs(t, err, auth.ErrTokenNotSet)

	redirect, err := tok.RedirectURL()
	require.NoError(t, err)
	assert.Contains(t, redirect, "access_type=offline")

	ctx := context.Background()
	require.Error(t, tok.AuthorizeCode(ctx, "good-code", "forged-state"))

	state := stateOf(t, redirect)
	require.NoError(t, tok.AuthorizeCode(ctx, "good-code", state))
	require.Error(t, tok.AuthorizeCode(ctx, "good-code", state), "state is single use")

	got, err := tok.OAuthToken()
	require.NoError(t, err)
	assert.Equal(t, "access-1234", got.AccessToken)

	require.NoError(t, tok.Persist())

	reloaded, err := auth.NewToken(oauthCfg(srv), path)
	require.NoError(t, err)
	got, err = reloaded.OAuthToken()
	require.NoError(t, err)
	assert.Equal(t, "access-1234", got.AccessToken)
	assert.Equal(t, "refresh", got.RefreshToken)
}

func TestTokenSourceRefreshes(t *testing.T) {
	srv := tokenServer(t)
	path := filepath.Join(t.TempDir(), "token.json")

	tok, err := auth.NewToken(oauthCfg(srv), path)
	require.NoError(t, err)

	_, err = tok.TokenSource(context.Background())
	require.ErrorIs(t, err, auth.ErrTokenNotSet)

	state := stateOf(t, mustRedirect(t, tok))
	require.NoError(t, tok.AuthorizeCode(context.Background(), "good-code", state))

	// Force an expired token so the source has to refresh.
	expired, err := tok.OAuthToken()
	require.NoError(t, err)
	expired.AccessToken = "stale"
	expired.Expiry = time.Now().Add(-time.Hour)

	ts, err := tok.TokenSource(context.Background())
	require.NoError(t, err)
	fresh, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "access-1234", fresh.AccessToken)

	reloaded, err := auth.NewToken(oauthCfg(srv), path)
	require.NoError(t, err)
	got, err := reloaded.OAuthToken()
	require.NoError(t, err)
	assert.Equal(t, "access-1234", got.AccessToken, "refreshed token is persisted")
}

func mustRedirect(t *testing.T, tok *auth.Token) string {
	t.Helper()
	u, err := tok.RedirectURL()
	require.NoError(t, err)
	return u
}

type tokMock struct {
	AuthorizeCodeFunc func(ctx context.Context, code, state string) error
	OAuthTokenFunc    func() (*oauth2.Token, error)
	RedirectURLFunc   func() (string, error)
}

func (m *tokMock) AuthorizeCode(ctx context.Context, code, state string) error {
	return m.AuthorizeCodeFunc(ctx, code, state)
}

func (m *tokMock) OAuthToken() (*oauth2.Token, error) {
	return m.OAuthTokenFunc()
}

func (m *tokMock) RedirectURL() (string, error) {
	return m.RedirectURLFunc()
}

func TestHTTPHandler(t *testing.T) {
	expiry := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name         string
		query        string
		mock         *tokMock
		wantStatus   int
		wantLocation string
		wantBody     string
		wantAuthed   bool
	}{
		{
			name:  "redirect",
			query: "?redirect=1",
			mock: &tokMock{RedirectURLFunc: func() (string, error) {
				return "https://accounts.example.com/auth?state=s", nil
			}},
			wantStatus:   http.StatusFound,
			wantLocation: "https://accounts.example.com/auth?state=s",
		},
		{
			name:  "redirect_error",
			query: "?redirect=1",
			mock: &tokMock{RedirectURLFunc: func() (string, error) {
				return "", errors.New("no entropy")
			}},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:  "code_ok",
			query: "?code=abc&state=s",
			mock: &tokMock{AuthorizeCodeFunc: func(_ context.Context, code, state string) error {
				assert.Equal(t, "abc", code)
				assert.Equal(t, "s", state)
				return nil
			}},
			wantStatus:   http.StatusFound,
			wantLocation: "/oauth",
			wantAuthed:   true,
		},
		{
			name:  "code_rejected",
			query: "?code=abc&state=bad",
			mock: &tokMock{AuthorizeCodeFunc: func(context.Context, string, string) error {
				return errors.New("invalid state")
			}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "no_token",
			mock: &tokMock{OAuthTokenFunc: func() (*oauth2.Token, error) {
				return nil, auth.ErrTokenNotSet
			}},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "token_masked",
			mock: &tokMock{OAuthTokenFunc: func() (*oauth2.Token, error) {
				return &oauth2.Token{AccessToken: "secret-abcd", Expiry: expiry}, nil
			}},
			wantStatus: http.StatusOK,
			wantBody:   "Token: XXXXXXXabcd, expires: 2026-01-01T00:00:00Z",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			authed := false
			h := auth.NewHTTPHandler(tc.mock, func() { authed = true })

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth"+tc.query, nil))

			assert.Equal(t, tc.wantStatus, rec.Code)
			if tc.wantLocation != "" {
				assert.Equal(t, tc.wantLocation, rec.Header().Get("Location"))
			}
			if tc.wantBody != "" {
				assert.Equal(t, tc.wantBody, rec.Body.String())
			}
			assert.Equal(t, tc.wantAuthed, authed)
		})
	}
}
