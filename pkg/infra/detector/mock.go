package detector

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/jguan/anpr-monitor/pkg/infra/clock"
)

var mockPlates = []string{
	"TN-01-AB-1234", "TN-09-CD-5678", "KA-05-EF-9012",
	"AP-07-GH-3456", "MH-12-IJ-7890", "DL-01-KL-2468",
}

// Mock stands in for the recognition service when none is reachable. It
// reports one to three plates with confidence between 75 and 100; a plate
// is valid above 85.
type Mock struct {
	clock clock.Clock
	delay time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

type MockOption func(*Mock)

func WithMockRand(r *rand.Rand) MockOption {
	return func(m *Mock) {
		if r != nil {
			m.rnd = r
		}
	}
}

// WithMockDelay makes every call take d on clk.
func WithMockDelay(clk clock.Clock, d time.Duration) MockOption {
	return func(m *Mock) {
		if clk != nil {
			m.clock = clk
		}
		m.delay = d
	}
}

func NewMock(opts ...MockOption) *Mock {
	m := &Mock{
		clock: clock.Real(),
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mock) Health(ctx context.Context) (*Health, error) {
	return &Health{Status: "healthy", Service: "Mock ANPR Processor"}, nil
}

func (m *Mock) Process(ctx context.Context, image []byte) (*Result, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if len(image) == 0 {
		return nil, ErrDetectorBadResponse.With("reason", "empty image")
	}
	return m.generate(), nil
}

func (m *Mock) Batch(ctx context.Context, images [][]byte) ([]Result, error) {
	out := make([]Result, 0, len(images))
	for i, img := range images {
		res, err := m.Process(ctx, img)
		if err != nil {
			out = append(out, Result{Error: err.Error(), ImageIndex: i})
			continue
		}
		res.ImageIndex = i
		out = append(out, *res)
	}
	return out, nil
}

func (m *Mock) wait(ctx context.Context) error {
	if m.delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.clock.After(m.delay):
		return nil
	}
}

func (m *Mock) generate() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 1 + m.rnd.Intn(3)
	res := &Result{Success: true, PlatesDetected: n, Plates: make([]Plate, n)}
	for i := range res.Plates {
		confidence := 75 + m.rnd.Float64()*25
		res.Plates[i] = Plate{
			Number:     mockPlates[m.rnd.Intn(len(mockPlates))],
			Confidence: math.Round(confidence*10) / 10,
			Valid:      confidence > 85,
		}
	}
	return res
}
