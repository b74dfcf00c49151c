package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftware/paddock/pkg/types"
)

func newTestClient(t *testing.T, handler http.Handler) *RESTClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRESTClient(srv.URL, "test-key", 5*time.Second)
}

func TestCreatePod(t *testing.T) {
	var gotAuth string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/pods", r.URL.Path)
		w.Write([]byte(`{"id":"pod-abc","name":"gpu-1","desiredStatus":"PROVISIONING"}`))
	}))

	id, err := c.CreatePod(context.Background(), types.PodSpec{Name: "gpu-1", GPUType: "rtx4090", Image: "worker:latest"})
	require.NoError(t, err)
	assert.Equal(t, "pod-abc", id)
	assert.Equal(t, "Bearer test-key", gotAuth)
}

func TestTransientErrorIsRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"pods":[{"id":"pod-1","name":"gpu-1","desiredStatus":"RUNNING"}]}`))
	}))

	pods, err := c.ListPods(context.Background())
	require.NoError(t, err)
	require.Len(t, pods, 1)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestAuthErrorIsNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.ListPods(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuth(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTerminateNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	}))

	err := c.TerminatePod(context.Background(), "pod-gone")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsTransient(err))
}

func TestGetPod(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pods/pod-1", r.URL.Path)
		w.Write([]byte(`{"id":"pod-1","name":"gpu-1","desiredStatus":"RUNNING","uptimeSeconds":120,"costPerHr":0.44}`))
	}))

	pod, err := c.GetPod(context.Background(), "pod-1")
	require.NoError(t, err)
	assert.Equal(t, types.PodStatusRunning, pod.DesiredStatus)
	assert.Equal(t, int64(120), pod.UptimeSeconds)
	assert.InDelta(t, 0.44, pod.CostPerHour, 1e-9)
}

func TestCreatePodEmptyIDRejected(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))

	_, err := c.CreatePod(context.Background(), types.PodSpec{Name: "gpu-1"})
	assert.Error(t, err)
}

func TestFakeTerminateTwice(t *testing.T) {
	f := NewFake()
	id, err := f.CreatePod(context.Background(), types.PodSpec{Name: "gpu-1"})
	require.NoError(t, err)

	require.NoError(t, f.TerminatePod(context.Background(), id))
	err = f.TerminatePod(context.Background(), id)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}
