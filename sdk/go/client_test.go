package dealflowsdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	query  string
	auth   string
	tenant string
	body   map[string]any
}

func newFakeAPI(t *testing.T, status int, response string) (*httptest.Server, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.query = r.URL.RawQuery
		rec.auth = r.Header.Get("Authorization")
		rec.tenant = r.Header.Get("X-Tenant-Id")
		rec.body = nil
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			require.NoError(t, json.Unmarshal(data, &rec.body))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestCreateDealSendsBearerAndBody(t *testing.T) {
	srv, rec := newFakeAPI(t, http.StatusCreated, `{"id":"d1","name":"Big","stage_id":"lead","amount":1000,"probability":10,"status":"open"}`)
	c := New(srv.URL, "tok")

	d, err := c.CreateDeal(context.Background(), NewDeal{PipelineID: "p1", Name: "Big", Amount: 1000, Tags: []string{"vip"}})
	require.NoError(t, err)
	require.Equal(t, "d1", d.ID)
	require.Equal(t, 10, d.Probability)

	require.Equal(t, http.MethodPost, rec.method)
	require.Equal(t, "/v1/deals", rec.path)
	require.Equal(t, "Bearer tok", rec.auth)
	require.Equal(t, "p1", rec.body["pipeline_id"])
	require.Equal(t, []any{"vip"}, rec.body["tags"])
	require.NotContains(t, rec.body, "stage_id")
}

func TestListDealsEncodesQuery(t *testing.T) {
	srv, rec := newFakeAPI(t, http.StatusOK, `{"items":[{"id":"d1"},{"id":"d2"}],"total":7}`)
	c := New(srv.URL, "tok")

	page, err := c.ListDeals(context.Background(), DealQuery{Status: "open", Tags: []string{"a", "b"}, SortBy: "amount", SortOrder: "asc", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.Equal(t, 7, page.Total)
	require.Equal(t, "/v1/deals", rec.path)
	require.Equal(t, "limit=2&sort_by=amount&sort_order=asc&status=open&tags=a%2Cb", rec.query)
}

func TestAPIErrorCarriesEnvelope(t *testing.T) {
	srv, _ := newFakeAPI(t, http.StatusConflict, `{"error":{"code":"has_dependents","message":"stage lead has 2 dependent deal(s)"}}`)
	c := New(srv.URL, "tok")

	_, err := c.MoveDeal(context.Background(), "d1", "won")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusConflict, apiErr.StatusCode)
	require.Equal(t, "has_dependents", apiErr.Code)
	require.Contains(t, apiErr.Error(), "has_dependents")
}

func TestLegacyHeadersWithoutToken(t *testing.T) {
	srv, rec := newFakeAPI(t, http.StatusNoContent, ``)
	c := New(srv.URL, "")
	c.TenantID = "acme"
	c.ActorID = "bob"

	require.NoError(t, c.DeleteDeal(context.Background(), "d 1"))
	require.Equal(t, http.MethodDelete, rec.method)
	require.Equal(t, "/v1/deals/d 1", rec.path)
	require.Empty(t, rec.auth)
	require.Equal(t, "acme", rec.tenant)
}

func TestCreateTaskAndEventsPage(t *testing.T) {
	srv, rec := newFakeAPI(t, http.StatusCreated, `{"id":"t1","status":"pending"}`)
	c := New(srv.URL, "tok")
	due := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	task, err := c.CreateTask(context.Background(), "d1", "Call", "call", due)
	require.NoError(t, err)
	require.Equal(t, "t1", task.ID)
	require.Equal(t, "/v1/deals/d1/tasks", rec.path)
	require.Equal(t, "2024-03-01T09:00:00Z", rec.body["due_date"])

	srv2, rec2 := newFakeAPI(t, http.StatusOK, `{"items":[{"id":3,"type":"deal.won"}],"next_cursor":"3"}`)
	c2 := New(srv2.URL, "tok")
	page, err := c2.EventsPage(context.Background(), 1, "9")
	require.NoError(t, err)
	require.Equal(t, "3", page.NextCursor)
	require.Equal(t, "deal.won", page.Items[0].Type)
	require.Equal(t, "cursor=9&limit=1", rec2.query)
}
