package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/content-history/pkg/contenthistory"
	memoryrepo "github.com/tendant/content-history/pkg/contenthistory/repo/memory"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	svc, err := contenthistory.New(
		contenthistory.WithRepository(memoryrepo.New()),
	)
	require.NoError(t, err)

	server := httptest.NewServer(NewVersionHandler(svc).Routes())
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func createVersion(t *testing.T, server *httptest.Server, entityID uuid.UUID, snapshot string, expected int64) VersionResponse {
	t.Helper()
	resp := postJSON(t, fmt.Sprintf("%s/%s/versions", server.URL, entityID), CreateVersionRequest{
		Snapshot:        json.RawMessage(snapshot),
		AuthorID:        uuid.New().String(),
		ExpectedVersion: expected,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created VersionResponse
	decodeJSON(t, resp, &created)
	return created
}

func TestCreateVersion(t *testing.T) {
	server := newTestServer(t)
	entityID := uuid.New()

	created := createVersion(t, server, entityID, `{"title":"hello","body":"world"}`, 0)
	assert.Equal(t, int64(1), created.Number)
	assert.Equal(t, []string{"title", "body"}, created.ChangeSummary)
	assert.Equal(t, "active", created.StorageState)
}

func TestCreateVersion_Conflict(t *testing.T) {
	server := newTestServer(t)
	entityID := uuid.New()
	createVersion(t, server, entityID, `{"title":"v1"}`, 0)
	createVersion(t, server, entityID, `{"title":"v2"}`, 1)

	resp := postJSON(t, fmt.Sprintf("%s/%s/versions", server.URL, entityID), CreateVersionRequest{
		Snapshot:        json.RawMessage(`{"title":"stale"}`),
		AuthorID:        uuid.New().String(),
		ExpectedVersion: 1,
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var body ErrorResponse
	decodeJSON(t, resp, &body)
	assert.Equal(t, int64(2), body.CurrentHead)
}

func TestCreateVersion_InvalidSnapshot(t *testing.T) {
	server := newTestServer(t)
	entityID := uuid.New()

	// root must be a map
	resp := postJSON(t, fmt.Sprintf("%s/%s/versions", server.URL, entityID), CreateVersionRequest{
		Snapshot:        json.RawMessage(`["not","a","map"]`),
		AuthorID:        uuid.New().String(),
		ExpectedVersion: 0,
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var body ErrorResponse
	decodeJSON(t, resp, &body)
	assert.NotEmpty(t, body.Violations)
}

func TestCreateVersion_BadRequest(t *testing.T) {
	server := newTestServer(t)
	entityID := uuid.New()

	resp := postJSON(t, fmt.Sprintf("%s/%s/versions", server.URL, entityID), CreateVersionRequest{
		Snapshot: json.RawMessage(`{"title":"x"}`),
		AuthorID: "not-a-uuid",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(fmt.Sprintf("%s/not-a-uuid/versions/1", server.URL))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, fmt.Sprintf("%s/%s/versions", server.URL, entityID), CreateVersionRequest{
		Snapshot:        json.RawMessage(`{"title":"x"}`),
		AuthorID:        uuid.New().String(),
		ExpectedVersion: -1,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestGetVersion(t *testing.T) {
	server := newTestServer(t)
	entityID := uuid.New()
	createVersion(t, server, entityID, `{"title":"hello"}`, 0)

	resp, err := http.Get(fmt.Sprintf("%s/%s/versions/1", server.URL, entityID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got VersionResponse
	decodeJSON(t, resp, &got)
	assert.Equal(t, int64(1), got.Number)
	assert.JSONEq(t, `{"title":"hello"}`, string(got.Snapshot))
}

func TestGetVersion_NotFound(t *testing.T) {
	server := newTestServer(t)
	entityID := uuid.New()
	createVersion(t, server, entityID, `{"title":"hello"}`, 0)

	resp, err := http.Get(fmt.Sprintf("%s/%s/versions/9", server.URL, entityID))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(fmt.Sprintf("%s/%s/versions/1", server.URL, uuid.New()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestListVersions(t *testing.T) {
	server := newTestServer(t)
	entityID := uuid.New()
	for i := int64(0); i < 5; i++ {
		createVersion(t, server, entityID, fmt.Sprintf(`{"title":"v%d"}`, i+1), i)
	}

	resp, err := http.Get(fmt.Sprintf("%s/%s/versions?page_size=3", server.URL, entityID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page ListVersionsResponse
	decodeJSON(t, resp, &page)
	require.Len(t, page.Items, 3)
	assert.Equal(t, int64(5), page.Items[0].Number)
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, int64(3), *page.NextCursor)

	resp, err = http.Get(fmt.Sprintf("%s/%s/versions?page_size=3&cursor=%d", server.URL, entityID, *page.NextCursor))
	require.NoError(t, err)
	var rest ListVersionsResponse
	decodeJSON(t, resp, &rest)
	require.Len(t, rest.Items, 2)
	assert.Equal(t, int64(2), rest.Items[0].Number)
	assert.Nil(t, rest.NextCursor)
}

func TestCompareVersions(t *testing.T) {
	server := newTestServer(t)
	entityID := uuid.New()
	createVersion(t, server, entityID, `{"title":"hello","body":"one"}`, 0)
	createVersion(t, server, entityID, `{"title":"hello","body":"two"}`, 1)

	resp, err := http.Get(fmt.Sprintf("%s/%s/compare?from=1&to=2", server.URL, entityID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Changes contenthistory.Diff `json:"changes"`
	}
	decodeJSON(t, resp, &body)
	require.Len(t, body.Changes, 1)
	assert.Equal(t, "body", body.Changes[0].Path)
	assert.Equal(t, contenthistory.ChangeModified, body.Changes[0].Type)
}

func TestRevert(t *testing.T) {
	server := newTestServer(t)
	entityID := uuid.New()
	createVersion(t, server, entityID, `{"title":"original"}`, 0)
	createVersion(t, server, entityID, `{"title":"edited"}`, 1)

	resp := postJSON(t, fmt.Sprintf("%s/%s/revert", server.URL, entityID), RevertRequest{
		TargetVersion:   1,
		AuthorID:        uuid.New().String(),
		ExpectedVersion: 2,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var reverted VersionResponse
	decodeJSON(t, resp, &reverted)
	assert.Equal(t, int64(3), reverted.Number)
	assert.JSONEq(t, `{"title":"original"}`, string(reverted.Snapshot))
	assert.Contains(t, reverted.Comment, "reverted from version 1")
}

func TestApplyRetention(t *testing.T) {
	server := newTestServer(t)
	entityID := uuid.New()
	for i := int64(0); i < 5; i++ {
		createVersion(t, server, entityID, fmt.Sprintf(`{"title":"v%d"}`, i+1), i)
	}

	maxActive := 2
	resp := postJSON(t, fmt.Sprintf("%s/%s/retention", server.URL, entityID), RetentionRequest{
		MaxActiveVersions: &maxActive,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report contenthistory.RetentionReport
	decodeJSON(t, resp, &report)
	assert.Equal(t, 3, report.Archived)
}

func TestApplyRetention_InvalidDuration(t *testing.T) {
	server := newTestServer(t)
	entityID := uuid.New()
	createVersion(t, server, entityID, `{"title":"v1"}`, 0)

	resp := postJSON(t, fmt.Sprintf("%s/%s/retention", server.URL, entityID), RetentionRequest{
		MaxAge: "yesterday",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestDeleteEntity(t *testing.T) {
	server := newTestServer(t)
	entityID := uuid.New()
	createVersion(t, server, entityID, `{"title":"v1"}`, 0)

	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/%s", server.URL, entityID), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	// entity record survives with a deletion marker
	resp, err = http.Get(fmt.Sprintf("%s/%s", server.URL, entityID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entity contenthistory.Entity
	decodeJSON(t, resp, &entity)
	assert.NotNil(t, entity.DeletedAt)
}
