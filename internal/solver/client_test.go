package solver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/perudatos/ruc-harvester/internal/ruc"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := New(Options{
		Endpoint: srv.URL,
		APIKey:   "test-key",
		MinScore: 0.3,
		MaxRPS:   1000,
	}, zap.NewNop())
	require.NoError(t, err)
	return client
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Endpoint: "https://solver.test"}, zap.NewNop())
	require.Error(t, err)

	_, err = New(Options{APIKey: "k"}, zap.NewNop())
	require.Error(t, err)
}

func TestSubmitToken(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/in.php", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "test-key", r.PostForm.Get("key"))
		require.Equal(t, "userrecaptcha", r.PostForm.Get("method"))
		require.Equal(t, "6Lc-site-key", r.PostForm.Get("googlekey"))
		require.Equal(t, "https://portal.test/form", r.PostForm.Get("pageurl"))
		require.Equal(t, "v3", r.PostForm.Get("version"))
		require.Equal(t, "0.3", r.PostForm.Get("min_score"))
		w.Write([]byte(`{"status":1,"request":"job-123"}`))
	})

	jobID, err := client.SubmitToken(context.Background(), "6Lc-site-key", "https://portal.test/form")
	require.NoError(t, err)
	require.Equal(t, "job-123", jobID)
	require.Equal(t, int64(1), client.Stats().Submitted)
}

func TestSubmitImage(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "base64", r.PostForm.Get("method"))
		require.Equal(t, "aGVsbG8=", r.PostForm.Get("body"))
		w.Write([]byte(`{"status":1,"request":"job-img"}`))
	})

	jobID, err := client.SubmitImage(context.Background(), "aGVsbG8=")
	require.NoError(t, err)
	require.Equal(t, "job-img", jobID)
}

func TestSubmitRejectionIsUnavailable(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":0,"request":"ERROR_NO_SLOT_AVAILABLE"}`))
	})

	_, err := client.SubmitToken(context.Background(), "key", "https://portal.test")
	require.ErrorIs(t, err, ruc.ErrSolverUnavailable)
	require.Equal(t, int64(1), client.Stats().Failed)
}

func TestPollStates(t *testing.T) {
	t.Parallel()

	responses := []string{
		`{"status":0,"request":"CAPCHA_NOT_READY"}`,
		`{"status":1,"request":"solved-token"}`,
		`{"status":0,"request":"ERROR_CAPTCHA_UNSOLVABLE"}`,
	}
	i := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/res.php", r.URL.Path)
		require.Equal(t, "get", r.URL.Query().Get("action"))
		require.Equal(t, "job-1", r.URL.Query().Get("id"))
		w.Write([]byte(responses[i]))
		i++
	})

	answer, ready, err := client.Poll(context.Background(), "job-1")
	require.NoError(t, err)
	require.False(t, ready)
	require.Empty(t, answer)

	answer, ready, err = client.Poll(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, ready)
	require.Equal(t, "solved-token", answer)

	_, _, err = client.Poll(context.Background(), "job-1")
	require.ErrorIs(t, err, ruc.ErrSolverRejected)
}

func TestPollUnreachableSolver(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client, err := New(Options{Endpoint: srv.URL, APIKey: "k", MaxRPS: 1000}, zap.NewNop())
	require.NoError(t, err)

	_, _, err = client.Poll(context.Background(), "job-1")
	require.ErrorIs(t, err, ruc.ErrSolverUnavailable)
}

func TestVerify(t *testing.T) {
	t.Parallel()

	ok := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "getbalance", r.URL.Query().Get("action"))
		w.Write([]byte(`{"status":1,"request":"42.50"}`))
	})
	require.NoError(t, ok.Verify(context.Background()))

	bad := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":0,"request":"ERROR_WRONG_USER_KEY"}`))
	})
	err := bad.Verify(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "ERROR_WRONG_USER_KEY")
}
