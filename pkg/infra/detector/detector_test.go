package detector

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestValidatePlate(t *testing.T) {
	tests := []struct {
		in    string
		valid bool
		want  string
	}{
		{"DL01AB1234", true, "DL-01-AB-1234"},
		{"dl 01 a 1234", true, "DL-01-A-1234"},
		{"DL011234", true, "DL-01-1234"},
		{"TN-09-CD-5678", true, "TN-09-CD-5678"},
		{"1234ABCD", false, "1234ABCD"},
		{"", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			valid, got := ValidatePlate(tt.in)
			assert.Equal(t, tt.valid, valid)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatPlate_Short(t *testing.T) {
	assert.Equal(t, "AB12", FormatPlate("AB12"))
}

func TestRandomPlate_IsValid(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		p := RandomPlate(rnd)
		valid, formatted := ValidatePlate(p)
		assert.True(t, valid, p)
		assert.Equal(t, p, formatted)
	}
}

func TestResult_Best(t *testing.T) {
	r := &Result{Plates: []Plate{
		{Number: "A", Confidence: 99, Valid: false},
		{Number: "B", Confidence: 80, Valid: true},
		{Number: "C", Confidence: 90, Valid: true},
	}}
	best, ok := r.Best()
	require.True(t, ok)
	assert.Equal(t, "C", best.Number)

	_, ok = (&Result{}).Best()
	assert.False(t, ok)
}

func TestDataURL_RoundTrip(t *testing.T) {
	url := DataURL(pngHeader)
	assert.True(t, strings.HasPrefix(url, "data:image/png;base64,"))

	back, err := DecodeDataURL(url)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, back)
}

func TestClient_Health(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": "ANPR Processor"})
	}))
	defer server.Close()

	h, err := NewClient(ClientConfig{BaseURL: server.URL}).Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Healthy())
	assert.Equal(t, "ANPR Processor", h.Service)
}

func TestClient_Process(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/process-image", r.URL.Path)

		var req processRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, strings.HasPrefix(req.Image, "data:image/png;base64,"))

		w.Write([]byte(`{"success":true,"plates_detected":1,"results":[
			{"plate_number":"DL-01-AB-1234","confidence":100,"is_valid":true,
			 "bbox":{"x":10,"y":20,"width":120,"height":40},"raw_text":"DL01AB1234"}]}`))
	}))
	defer server.Close()

	res, err := NewClient(ClientConfig{BaseURL: server.URL}).Process(context.Background(), pngHeader)
	require.NoError(t, err)
	require.Len(t, res.Plates, 1)
	assert.Equal(t, "DL-01-AB-1234", res.Plates[0].Number)
	assert.Equal(t, &BBox{X: 10, Y: 20, Width: 120, Height: 40}, res.Plates[0].BBox)
	assert.Equal(t, "DL01AB1234", res.Plates[0].RawText)
}

func TestClient_ProcessFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"service reports failure", 200, `{"success":false,"error":"cannot identify image","plates_detected":0,"results":[]}`, ErrDetectorBadResponse},
		{"bad request", 400, `{"error":"No image data provided"}`, ErrDetectorBadResponse},
		{"server error", 500, `{"error":"boom"}`, ErrDetectorUnavailable},
		{"garbage", 200, `not json`, ErrDetectorBadResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewClient(ClientConfig{BaseURL: server.URL}).Process(context.Background(), pngHeader)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestClient_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewClient(ClientConfig{BaseURL: url, Timeout: time.Second}).Health(context.Background())
	assert.True(t, errors.Is(err, ErrDetectorUnavailable))
}

func TestClient_Batch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/batch-process", r.URL.Path)
		var req batchRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Images, 2)
		w.Write([]byte(`{"success":true,"total_images":2,"results":[
			{"success":true,"plates_detected":0,"results":[],"image_index":0},
			{"success":true,"plates_detected":1,"results":[{"plate_number":"KA-05-EF-9012","confidence":80,"is_valid":true}],"image_index":1}]}`))
	}))
	defer server.Close()

	results, err := NewClient(ClientConfig{BaseURL: server.URL}).Batch(context.Background(), [][]byte{pngHeader, pngHeader})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[1].ImageIndex)
	assert.Equal(t, "KA-05-EF-9012", results[1].Plates[0].Number)
}

func TestClient_BreakerOpens(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	var transitions []gobreaker.State
	c := NewClient(ClientConfig{
		BaseURL:     server.URL,
		MaxFailures: 2,
		OpenTimeout: time.Minute,
		OnState: func(_ string, _, to gobreaker.State) {
			transitions = append(transitions, to)
		},
	})

	for i := 0; i < 2; i++ {
		_, err := c.Health(context.Background())
		assert.True(t, errors.Is(err, ErrDetectorUnavailable))
	}
	assert.Equal(t, gobreaker.StateOpen, c.BreakerState())

	_, err := c.Health(context.Background())
	assert.True(t, errors.Is(err, ErrDetectorUnavailable))
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, transitions)
}

func TestClient_BadResponsesDoNotTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	c := NewClient(ClientConfig{BaseURL: server.URL, MaxFailures: 1, OpenTimeout: time.Minute})
	for i := 0; i < 3; i++ {
		_, err := c.Process(context.Background(), pngHeader)
		assert.True(t, errors.Is(err, ErrDetectorBadResponse))
	}
	assert.Equal(t, gobreaker.StateClosed, c.BreakerState())
}

func TestMock_Process(t *testing.T) {
	m := NewMock(WithMockRand(rand.New(rand.NewSource(42))))

	for i := 0; i < 20; i++ {
		res, err := m.Process(context.Background(), pngHeader)
		require.NoError(t, err)
		require.True(t, res.Success)
		require.GreaterOrEqual(t, len(res.Plates), 1)
		require.LessOrEqual(t, len(res.Plates), 3)
		assert.Equal(t, len(res.Plates), res.PlatesDetected)
		for _, p := range res.Plates {
			assert.GreaterOrEqual(t, p.Confidence, 75.0)
			assert.LessOrEqual(t, p.Confidence, 100.0)
			assert.Contains(t, mockPlates, p.Number)
		}
	}

	_, err := m.Process(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrDetectorBadResponse))
}

func TestMock_Batch(t *testing.T) {
	m := NewMock(WithMockRand(rand.New(rand.NewSource(1))))
	results, err := m.Batch(context.Background(), [][]byte{pngHeader, nil})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Equal(t, 1, results[1].ImageIndex)
}

func TestMock_HonoursContext(t *testing.T) {
	m := NewMock(WithMockDelay(nil, time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Process(ctx, pngHeader)
	assert.ErrorIs(t, err, context.Canceled)
}
