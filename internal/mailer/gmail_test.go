package mailer_test

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/hal9000y/imessage-relay/internal/auth"
	"github.com/hal9000y/imessage-relay/internal/mailer"
)

func testToken(t *testing.T) *auth.Token {
	t.Helper()
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"access_token":"access-1234","token_type":"Bearer","expiry":"2099-01-01T00:00:00Z"}`), 0o600))

	tok, err := auth.NewToken(&oauth2.Config{ClientID: "client"}, path)
	require.NoError(t, err)
	return tok
}

type gmailAPI struct {
	mu   sync.Mutex
	raws []string
}

func (g *gmailAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer access-1234" {
		http.Error(w, `{"error":{"code":401,"message":"unauthorized"}}`, http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/users/me/profile"):
		_, _ = io.WriteString(w, `{"emailAddress":"me@example.com"}`)
	case strings.HasSuffix(r.URL.Path, "/users/me/messages/send") && r.Method == http.MethodPost:
		var body struct {
			Raw string `json:"raw"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		g.mu.Lock()
		g.raws = append(g.raws, body.Raw)
		g.mu.Unlock()
		_, _ = io.WriteString(w, `{"id":"18c0ffee","threadId":"18c0ffee"}`)
	default:
		http.NotFound(w, r)
	}
}

func TestGmailTransport(t *testing.T) {
	api := &gmailAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	tr := mailer.NewGmail(testToken(t), option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, tr.Initialize(context.Background()))
	require.NoError(t, tr.Send(context.Background(), testEmail()))

	require.Len(t, api.raws, 1)
	raw, err := base64.URLEncoding.DecodeString(api.raws[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Message-Id: <b@imessage-relay.local>")
	assert.Contains(t, string(raw), "References: <root@imessage-relay.local> <a@imessage-relay.local>")
}

func TestGmailTransportInitialize(t *testing.T) {
	err := mailer.NewGmail(nil).Initialize(context.Background())
	require.True(t, errors.Is(err, mailer.ErrTransportNotConfigured))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"insufficient scope"}}`, http.StatusForbidden)
	}))
	defer srv.Close()

	err = mailer.NewGmail(testToken(t), option.WithEndpoint(srv.URL+"/")).Initialize(context.Background())
	require.Error(t, err)
}
