package pagepool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/progress"
)

func TestRunEnforcesRecordCap(t *testing.T) {
	t.Parallel()

	const workers, recordCap = 20, 100
	urls := make([]string, 1000)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://shop.example/product/%d", i)
	}
	var fetches atomic.Int64
	fetcher := fetcherFunc(func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
		fetches.Add(1)
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(req.URL)}, nil
	})
	store := newFakeStore()
	pool := newTestPool(t, Config{Workers: workers, RecordCap: recordCap}, Deps{
		Fetcher:    fetcher,
		Classifier: productClassifier(),
		Store:      store,
	})

	res, err := pool.Run(context.Background(), crawler.Session{ID: "s1"}, urls)
	require.NoError(t, err)
	require.True(t, res.CapReached)
	require.Equal(t, recordCap, res.Records)
	require.Equal(t, recordCap, res.Committed)
	require.Len(t, store.records("s1"), recordCap)
	require.Equal(t, res.Processed, store.lastProgress("s1"))

	// Once the cap is hit only work already fetched or buffered may finish.
	require.GreaterOrEqual(t, res.Processed, recordCap)
	require.LessOrEqual(t, fetches.Load(), int64(recordCap+2*workers))
	require.LessOrEqual(t, res.Processed, recordCap+2*workers)
}

func TestRunOutcomes(t *testing.T) {
	t.Parallel()

	fetcher := fetcherFunc(func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
		switch {
		case strings.HasSuffix(req.URL, "/missing"):
			return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusNotFound}, nil
		case strings.HasSuffix(req.URL, "/slow"):
			return crawler.FetchResponse{}, crawler.NewFetchError(req.URL, context.DeadlineExceeded)
		case strings.HasSuffix(req.URL, "/reset"):
			return crawler.FetchResponse{}, crawler.NewFetchError(req.URL, errors.New("connection reset by peer"))
		}
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(req.URL)}, nil
	})
	classifier := crawler.ClassifierFunc(func(_ context.Context, text, sourceURL string) (crawler.Classification, error) {
		switch {
		case strings.HasSuffix(sourceURL, "/product/a"):
			return crawler.Classification{Relevant: true, Product: &crawler.Product{Name: "A", CurrentPrice: "$1"}}, nil
		case strings.HasSuffix(sourceURL, "/product/grid"):
			return crawler.Classification{Relevant: true}, nil
		case strings.HasSuffix(sourceURL, "/product/broken"):
			return crawler.Classification{}, &crawler.ClassificationError{URL: sourceURL, Err: errors.New("bad json")}
		}
		return crawler.Classification{}, nil
	})
	store := newFakeStore()
	pool := newTestPool(t, Config{Workers: 3}, Deps{Fetcher: fetcher, Classifier: classifier, Store: store})

	urls := []string{
		"https://shop.example/product/a",
		"https://shop.example/product/grid",
		"https://shop.example/product/broken",
		"https://shop.example/product/other",
		"https://shop.example/product/missing",
		"https://shop.example/product/slow",
		"https://shop.example/product/reset",
	}
	res, err := pool.Run(context.Background(), crawler.Session{ID: "s1"}, urls)
	require.NoError(t, err)
	require.Equal(t, 7, res.Processed)
	require.Equal(t, 3, res.Failed)
	require.Equal(t, 1, res.Records)
	require.False(t, res.CapReached)

	log := append([]string(nil), res.ErrorLog...)
	sort.Strings(log)
	require.Len(t, log, 3)
	require.True(t, strings.HasPrefix(log[0], "[request-error] https://shop.example/product/missing"))
	require.True(t, strings.HasPrefix(log[1], "[request-error] https://shop.example/product/reset"))
	require.True(t, strings.HasPrefix(log[2], "[timeout] https://shop.example/product/slow"))

	records := store.records("s1")
	require.Len(t, records, 1)
	require.Equal(t, "A", records[0].Name)
	require.Equal(t, "s1", records[0].SessionID)
	require.Equal(t, 7, store.lastProgress("s1"))
}

func TestRunCommitsProgressPeriodically(t *testing.T) {
	t.Parallel()

	urls := make([]string, 60)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://shop.example/shop/%d", i)
	}
	store := newFakeStore()
	pool := newTestPool(t, Config{Workers: 4, ProgressEvery: 25}, Deps{
		Fetcher:    okFetcher(),
		Classifier: crawler.ClassifierFunc(notRelevant),
		Store:      store,
	})
	_, err := pool.Run(context.Background(), crawler.Session{ID: "s1"}, urls)
	require.NoError(t, err)
	require.Equal(t, []int{25, 50, 60}, store.progressHistory("s1"))
}

func TestRunDropsFailedBatchAndContinues(t *testing.T) {
	t.Parallel()

	urls := make([]string, 25)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://shop.example/product/%d", i)
	}
	store := newFakeStore()
	store.failInserts.Store(1)
	pool := newTestPool(t, Config{Workers: 5, BatchSize: 10}, Deps{
		Fetcher:    okFetcher(),
		Classifier: productClassifier(),
		Store:      store,
	})
	res, err := pool.Run(context.Background(), crawler.Session{ID: "s1"}, urls)
	require.NoError(t, err)
	require.Equal(t, 25, res.Records)
	require.Equal(t, 15, res.Committed)
	require.Len(t, store.records("s1"), 15)
	require.Equal(t, 25, res.Processed)
}

func TestRunExternalCancellation(t *testing.T) {
	t.Parallel()

	urls := make([]string, 200)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://shop.example/product/%d", i)
	}
	ctx, cancel := context.WithCancel(context.Background())
	var seen atomic.Int32
	fetcher := fetcherFunc(func(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
		if seen.Add(1) == 20 {
			cancel()
		}
		select {
		case <-ctx.Done():
			return crawler.FetchResponse{}, crawler.NewFetchError(req.URL, ctx.Err())
		case <-time.After(time.Millisecond):
		}
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("x")}, nil
	})
	store := newFakeStore()
	pool := newTestPool(t, Config{Workers: 4}, Deps{Fetcher: fetcher, Classifier: productClassifier(), Store: store})

	res, err := pool.Run(ctx, crawler.Session{ID: "s1"}, urls)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, res.Processed, 200)
	require.Zero(t, res.Failed)
	require.Len(t, store.records("s1"), res.Committed)
	require.Equal(t, res.Records, res.Committed)
}

func TestRunBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	fetcher := fetcherFunc(func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			prev := peak.Load()
			if cur <= prev || peak.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK}, nil
	})
	urls := make([]string, 50)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://shop.example/product/%d", i)
	}
	pool := newTestPool(t, Config{Workers: 5}, Deps{
		Fetcher:    fetcher,
		Classifier: crawler.ClassifierFunc(notRelevant),
		Store:      newFakeStore(),
	})
	res, err := pool.Run(context.Background(), crawler.Session{ID: "s1"}, urls)
	require.NoError(t, err)
	require.Equal(t, 50, res.Processed)
	require.LessOrEqual(t, peak.Load(), int32(5))
}

func TestRunSideOutputs(t *testing.T) {
	t.Parallel()

	archive := &fakeArchive{}
	publisher := &fakePublisher{}
	emitter := &fakeEmitter{}
	pool := newTestPool(t, Config{Workers: 2, ArchivePrefix: "/pages/"}, Deps{
		Fetcher:    okFetcher(),
		Classifier: productClassifier(),
		Store:      newFakeStore(),
		Archive:    archive,
		Publisher:  publisher,
		Emitter:    emitter,
	})
	urls := []string{"https://shop.example/product/1", "https://shop.example/product/2"}
	_, err := pool.Run(context.Background(), crawler.Session{ID: "s9"}, urls)
	require.NoError(t, err)

	require.ElementsMatch(t, []string{
		ArchivePath("pages", "s9", []byte(urls[0])),
		ArchivePath("pages", "s9", []byte(urls[1])),
	}, archive.paths())
	require.Equal(t, []string{"s9", "s9"}, publisher.keys())
	require.Len(t, emitter.events(), 2)
	for _, evt := range emitter.events() {
		require.Equal(t, progress.StagePageDone, evt.Stage)
		require.Equal(t, "record", evt.Outcome)
		require.Equal(t, "shop.example", evt.Site)
	}
}

func TestArchivePath(t *testing.T) {
	t.Parallel()

	path := ArchivePath("", "s1", []byte("hello"))
	require.Equal(t, "s1/2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824.html", path)
	require.True(t, strings.HasPrefix(ArchivePath("a/b/", "s1", nil), "a/b/s1/"))
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{}, nil)
	require.Error(t, err)
}

func newTestPool(t *testing.T, cfg Config, deps Deps) *Pool {
	t.Helper()
	deps.Extractor = passthroughExtractor{}
	pool, err := New(cfg, deps, zap.NewNop())
	require.NoError(t, err)
	return pool
}

type passthroughExtractor struct{}

func (passthroughExtractor) Extract(body []byte, _ string) (string, error) {
	return string(body), nil
}

type fetcherFunc func(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error)

func (f fetcherFunc) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	return f(ctx, req)
}

func okFetcher() crawler.Fetcher {
	return fetcherFunc(func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(req.URL)}, nil
	})
}

func productClassifier() crawler.PageClassifier {
	return crawler.ClassifierFunc(func(_ context.Context, _ string, sourceURL string) (crawler.Classification, error) {
		return crawler.Classification{
			Relevant: true,
			Product:  &crawler.Product{Name: sourceURL, CurrentPrice: "$1.00", DietaryTags: []string{"vegan"}},
		}, nil
	})
}

func notRelevant(context.Context, string, string) (crawler.Classification, error) {
	return crawler.Classification{}, nil
}

type fakeStore struct {
	mu          sync.Mutex
	recs        map[string][]crawler.Record
	progress    map[string][]int
	failInserts atomic.Int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{recs: map[string][]crawler.Record{}, progress: map[string][]int{}}
}

func (s *fakeStore) records(id string) []crawler.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]crawler.Record(nil), s.recs[id]...)
}

func (s *fakeStore) progressHistory(id string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.progress[id]...)
}

func (s *fakeStore) lastProgress(id string) int {
	h := s.progressHistory(id)
	if len(h) == 0 {
		return 0
	}
	return h[len(h)-1]
}

func (s *fakeStore) CreateSession(context.Context, crawler.Session) error { return nil }
func (s *fakeStore) GetSession(context.Context, string) (crawler.Session, error) {
	return crawler.Session{}, crawler.ErrSessionNotFound
}
func (s *fakeStore) ListSessions(context.Context) ([]crawler.SessionSummary, error) { return nil, nil }
func (s *fakeStore) UpdateStatus(context.Context, string, crawler.SessionStatus, string) error {
	return nil
}
func (s *fakeStore) SetTotalPages(context.Context, string, int) error { return nil }
func (s *fakeStore) SetName(context.Context, string, string) error    { return nil }
func (s *fakeStore) CommitProgress(_ context.Context, id string, scraped int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[id] = append(s.progress[id], scraped)
	return nil
}

func (s *fakeStore) InsertRecords(_ context.Context, id string, records []crawler.Record) error {
	if s.failInserts.Load() > 0 {
		s.failInserts.Add(-1)
		return errors.New("database unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[id] = append(s.recs[id], records...)
	return nil
}

func (s *fakeStore) ListRecords(_ context.Context, id string) ([]crawler.Record, error) {
	return s.records(id), nil
}
func (s *fakeStore) DeleteSession(context.Context, string) error { return nil }

type fakeArchive struct {
	mu    sync.Mutex
	saved []string
}

func (a *fakeArchive) PutObject(_ context.Context, path, _ string, data io.Reader) (string, error) {
	if _, err := io.ReadAll(data); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, path)
	return "mem://" + path, nil
}

func (a *fakeArchive) paths() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.saved...)
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []string
}

func (p *fakePublisher) Publish(_ context.Context, key string, _ any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, key)
	return fmt.Sprintf("msg-%d", len(p.sent)), nil
}

func (p *fakePublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

type fakeEmitter struct {
	mu  sync.Mutex
	evs []progress.Event
}

func (e *fakeEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evs = append(e.evs, evt)
}

func (e *fakeEmitter) events() []progress.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]progress.Event(nil), e.evs...)
}
