package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-ec/internal/clustermap"
	"github.com/i5heu/ouroboros-ec/pkg/model"
)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeObjects) Create(_ context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeObjects) Read(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, &model.DataLossError{Key: key}
	}
	return data, nil
}

func (f *fakeObjects) SanityCheck(_ context.Context, key string) (int, error) {
	if key == "broken" {
		return 3, nil
	}
	return 0, nil
}

type fakeMembership struct {
	mu sync.Mutex
	m  *clustermap.Map
}

func (f *fakeMembership) Cluster() *clustermap.Map {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.m
}

func (f *fakeMembership) AddNode(_ context.Context, addr model.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m = f.m.WithNode(f.m.Version()+1, clustermap.Node{ID: uint64(f.m.Len()), Address: addr, Capacity: 1})
	return nil
}

func (f *fakeMembership) RemoveNode(_ context.Context, addr model.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.m.Contains(addr) {
		return model.Failed(errNotMember)
	}
	f.m = f.m.WithoutNode(f.m.Version()+1, addr)
	return nil
}

var errNotMember = errors.New("not a member")

func newTestServer() (*httptest.Server, *fakeMembership) {
	members := &fakeMembership{m: clustermap.Empty()}
	srv := New(&fakeObjects{objects: map[string][]byte{}}, members)
	return httptest.NewServer(srv), members
}

// do sends a request and buffers the whole response body so the
// connection is released before the test server closes.
func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp
}

func TestObjectRoutes(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer()
	defer ts.Close()

	resp := do(t, http.MethodPut, ts.URL+"/objects/photo.jpg", "jpeg bytes")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/objects/photo.jpg", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "jpeg bytes", string(data))

	resp = do(t, http.MethodGet, ts.URL+"/objects/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/objects/broken/sanity", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sanity sanityResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sanity))
	assert.Equal(t, sanityResponse{Key: "broken", Lost: 3}, sanity)
}

func TestClusterRoutes(t *testing.T) {
	t.Parallel()
	ts, members := newTestServer()
	defer ts.Close()

	resp := do(t, http.MethodPost, ts.URL+"/cluster/nodes", `{"address":"10.0.0.1:4242"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, members.Cluster().Contains("10.0.0.1:4242"))

	resp = do(t, http.MethodPost, ts.URL+"/cluster/nodes", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/cluster", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info clusterResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, uint64(1), info.Version)
	require.Len(t, info.Members, 1)
	assert.Equal(t, "10.0.0.1:4242", info.Members[0].Address)

	resp = do(t, http.MethodDelete, ts.URL+"/cluster/nodes/10.0.0.1:4242", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Zero(t, members.Cluster().Len())

	resp = do(t, http.MethodDelete, ts.URL+"/cluster/nodes/10.0.0.9:4242", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPreflight(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer()
	defer ts.Close()
	resp := do(t, http.MethodOptions, ts.URL+"/objects/x", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
