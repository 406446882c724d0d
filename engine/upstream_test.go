package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ratebridge/errors"
	"github.com/c360/ratebridge/pkg/retry"
)

func fastRetry(attempts int) retry.Config {
	return retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestFetchParsesUpstreamResponse(t *testing.T) {
	var gotKey atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.URL.Query().Get("access_key"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"timestamp":1705312800,"base":"EUR","date":"2024-01-15",` +
			`"rates":{"USD":1.1,"RUB":100.0,"EUR":1.0}}`))
	}))
	defer server.Close()

	client, err := NewUpstreamClient(server.URL, "test-key", fastRetry(3), nil, nil)
	require.NoError(t, err)

	rates, err := client.Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotKey.Load())
	assert.Equal(t, "EUR", rates.Base)
	assert.Equal(t, "2024-01-15", rates.Date)
	assert.Equal(t, 1.1, rates.Rates["USD"])
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"success":true,"base":"EUR","date":"2024-01-15","rates":{"USD":1.1}}`))
	}))
	defer server.Close()

	client, err := NewUpstreamClient(server.URL, "", fastRetry(5), nil, nil)
	require.NoError(t, err)

	rates, err := client.Fetch(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, 1.1, rates.Rates["USD"])
}

func TestFetchExhaustedRetriesSurfaceUpstreamError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client, err := NewUpstreamClient(server.URL, "", fastRetry(4), nil, nil)
	require.NoError(t, err)

	_, err = client.Fetch(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUpstream)
	assert.EqualValues(t, 4, calls.Load())
}

func TestFetchRejectsUnsuccessfulPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"success":false}`))
	}))
	defer server.Close()

	client, err := NewUpstreamClient(server.URL, "", fastRetry(2), nil, nil)
	require.NoError(t, err)

	_, err = client.Fetch(context.Background())
	assert.Error(t, err)
}

func TestFetchRejectsEmptyRates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"success":true,"base":"EUR","date":"2024-01-15","rates":{}}`))
	}))
	defer server.Close()

	client, err := NewUpstreamClient(server.URL, "", fastRetry(2), nil, nil)
	require.NoError(t, err)

	_, err = client.Fetch(context.Background())
	assert.Error(t, err)
}

func TestNewUpstreamClientRequiresBaseURL(t *testing.T) {
	_, err := NewUpstreamClient("", "key", retry.Config{}, nil, nil)
	assert.Error(t, err)
}

func TestDefaultRetryPolicyApplied(t *testing.T) {
	client, err := NewUpstreamClient("https://api.exchangeratesapi.io/v1/latest", "key", retry.Config{}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 5, client.retryCfg.MaxAttempts)
	assert.Equal(t, 2000*time.Millisecond, client.retryCfg.InitialDelay)
	assert.Equal(t, 5000*time.Millisecond, client.retryCfg.MaxDelay)
}
