package collysource

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/harvestkit/harvester/internal/harvester"
)

func newListingServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<div class="post" data-post-id="p-1">first post</div>
			<div class="post" data-post-id="p-2">second post</div>
			<a class="next" href="/feed?page=2">older</a>
		</body></html>`)
	})
	mux.HandleFunc("/feed2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<div class="post" data-post-id="p-3">third post</div>
		</body></html>`)
	})
	mux.HandleFunc("/private", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	})
	mux.HandleFunc("/flaky", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broke", http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func listingConfig(base string) Config {
	return Config{
		StartURL:     base + "/feed",
		ItemSelector: "div.post",
		IDAttr:       "data-post-id",
		NextSelector: "a.next",
	}
}

func TestConnectValidatesConfig(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	require.Error(t, New(Config{}).Connect(ctx))
	require.Error(t, New(Config{StartURL: "://bad"}).Connect(ctx))
	require.Error(t, New(Config{StartURL: "http://example.com"}).Connect(ctx))
}

func TestFetchBatchExtractsItemsAndNextCursor(t *testing.T) {
	t.Parallel()

	srv := newListingServer(t)
	src := New(listingConfig(srv.URL))
	ctx := context.Background()
	require.NoError(t, src.Connect(ctx))

	batch, err := src.FetchBatch(ctx, "")
	require.NoError(t, err)
	require.Len(t, batch.Items, 2)
	require.Equal(t, "p-1", batch.Items[0].DeclaredID)
	require.Equal(t, []byte("first post"), batch.Items[0].Content)
	require.True(t, batch.HasMore)
	require.Equal(t, srv.URL+"/feed?page=2", batch.NextCursor)
}

func TestFetchBatchFollowsCursor(t *testing.T) {
	t.Parallel()

	srv := newListingServer(t)
	src := New(listingConfig(srv.URL))
	ctx := context.Background()
	require.NoError(t, src.Connect(ctx))

	batch, err := src.FetchBatch(ctx, srv.URL+"/feed2")
	require.NoError(t, err)
	require.Len(t, batch.Items, 1)
	require.Equal(t, "p-3", batch.Items[0].DeclaredID)
	require.False(t, batch.HasMore)
}

func TestFetchBatchMapsForbiddenToAuthExpired(t *testing.T) {
	t.Parallel()

	srv := newListingServer(t)
	cfg := listingConfig(srv.URL)
	cfg.StartURL = srv.URL + "/private"
	src := New(cfg)
	ctx := context.Background()
	require.NoError(t, src.Connect(ctx))

	_, err := src.FetchBatch(ctx, "")
	require.ErrorIs(t, err, harvester.ErrAuthExpired)
}

func TestFetchBatchReturnsServerErrors(t *testing.T) {
	t.Parallel()

	srv := newListingServer(t)
	cfg := listingConfig(srv.URL)
	cfg.StartURL = srv.URL + "/flaky"
	src := New(cfg)
	ctx := context.Background()
	require.NoError(t, src.Connect(ctx))

	_, err := src.FetchBatch(ctx, "")
	require.Error(t, err)
	require.NotErrorIs(t, err, harvester.ErrAuthExpired)
}

func TestFetchBatchSendsConfiguredHeaders(t *testing.T) {
	t.Parallel()

	var gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		fmt.Fprint(w, `<div class="post" data-post-id="p-1">hi</div>`)
	}))
	t.Cleanup(srv.Close)

	cfg := listingConfig(srv.URL)
	cfg.StartURL = srv.URL + "/"
	cfg.Headers = map[string]string{"Cookie": "session=abc123"}
	src := New(cfg)
	ctx := context.Background()
	require.NoError(t, src.Connect(ctx))

	_, err := src.FetchBatch(ctx, "")
	require.NoError(t, err)
	require.Equal(t, "session=abc123", gotCookie)
}

func TestFetchBatchRequiresConnect(t *testing.T) {
	t.Parallel()

	srv := newListingServer(t)
	src := New(listingConfig(srv.URL))
	_, err := src.FetchBatch(context.Background(), "")
	require.Error(t, err)
}
