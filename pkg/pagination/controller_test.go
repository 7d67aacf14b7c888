package pagination

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/rickmorty-wiki/pkg/character"
	"github.com/rs/zerolog"
)

const defaultURL = "https://rickandmortyapi.com/api/character"

// fakeSource serves canned pages by URL and records every call.
type fakeSource struct {
	mu     sync.Mutex
	pages  map[string]*character.Page
	errs   map[string]error
	gates  map[string]chan struct{}
	calls  []string
	called chan string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pages:  make(map[string]*character.Page),
		errs:   make(map[string]error),
		gates:  make(map[string]chan struct{}),
		called: make(chan string, 16),
	}
}

func (f *fakeSource) FetchPage(ctx context.Context, pageURL string) (*character.Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, pageURL)
	gate := f.gates[pageURL]
	page, err := f.pages[pageURL], f.errs[pageURL]
	f.mu.Unlock()

	f.called <- pageURL
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if page == nil {
		return nil, errors.New("unexpected url " + pageURL)
	}
	return page, nil
}

func (f *fakeSource) set(pageURL string, page *character.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[pageURL] = page
}

func (f *fakeSource) fail(pageURL string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[pageURL] = err
}

// hold makes fetches of pageURL block until the returned func is called.
func (f *fakeSource) hold(pageURL string) func() {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[pageURL] = gate
	f.mu.Unlock()
	return func() { close(gate) }
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func chars(ids ...int) []character.Character {
	out := make([]character.Character, len(ids))
	for i, id := range ids {
		out[i] = character.Character{ID: id}
	}
	return out
}

func page(next, prev string, ids ...int) *character.Page {
	return &character.Page{
		Info:    character.Info{Next: next, Prev: prev},
		Results: chars(ids...),
	}
}

func ids(list []character.Character) []int {
	out := make([]int, len(list))
	for i, c := range list {
		out[i] = c.ID
	}
	return out
}

func newTestController(src DataSource) *Controller {
	return NewController(src, defaultURL, zerolog.Nop())
}

func TestInitialize_DoesNotFetch(t *testing.T) {
	src := newFakeSource()
	ctrl := newTestController(src)

	ctrl.Initialize(page(defaultURL+"?page=2", "", 1, 2, 3))

	if got := src.callCount(); got != 0 {
		t.Errorf("data source calls = %d, want 0", got)
	}

	state := ctrl.Snapshot()
	if !reflect.DeepEqual(ids(state.Results), []int{1, 2, 3}) {
		t.Errorf("Results = %v, want [1 2 3]", ids(state.Results))
	}
	want := PageDescriptor{Target: defaultURL, Next: defaultURL + "?page=2"}
	if state.Descriptor != want {
		t.Errorf("Descriptor = %+v, want %+v", state.Descriptor, want)
	}
	if !ctrl.Initialized() {
		t.Error("Initialized() = false")
	}
}

func TestInitialize_NilSeed(t *testing.T) {
	ctrl := newTestController(newFakeSource())
	ctrl.Initialize(nil)

	state := ctrl.Snapshot()
	if state.Results == nil || len(state.Results) != 0 {
		t.Errorf("Results = %v, want empty", state.Results)
	}
	if state.Descriptor.Target != defaultURL {
		t.Errorf("Target = %q, want %q", state.Descriptor.Target, defaultURL)
	}
	if ctrl.HasMore() {
		t.Error("HasMore() = true without next cursor")
	}
}

func TestRequestSearch_ReplacesList(t *testing.T) {
	tests := []struct {
		name  string
		seed  []int
		query string
		found []int
	}{
		{"replaces populated list", []int{1, 2, 3, 4}, "x", []int{9}},
		{"replaces with longer list", []int{1}, "smith", []int{4, 5, 6}},
		{"replaces empty list", nil, "rick", []int{1, 8}},
		{"empty result", []int{1, 2}, "zzz", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource()
			target := SearchURL(defaultURL, tt.query)
			src.set(target, page("", "", tt.found...))

			ctrl := newTestController(src)
			ctrl.Initialize(page(defaultURL+"?page=2", "", tt.seed...))

			if err := ctrl.RequestSearch(context.Background(), tt.query); err != nil {
				t.Fatalf("RequestSearch() error = %v", err)
			}

			state := ctrl.Snapshot()
			want := tt.found
			if want == nil {
				want = []int{}
			}
			if !reflect.DeepEqual(ids(state.Results), want) {
				t.Errorf("Results = %v, want %v", ids(state.Results), want)
			}
			if state.Descriptor != (PageDescriptor{Target: target}) {
				t.Errorf("Descriptor = %+v", state.Descriptor)
			}
			if got := src.callCount(); got != 1 {
				t.Errorf("data source calls = %d, want 1", got)
			}
		})
	}
}

func TestRequestMore_AppendsInOrder(t *testing.T) {
	src := newFakeSource()
	src.set("page2", page("page3", "page1", 4, 5))
	src.set("page3", page("", "page2", 6))

	ctrl := newTestController(src)
	ctrl.Initialize(page("page2", "", 1, 2, 3))
	ctx := context.Background()

	if err := ctrl.RequestMore(ctx); err != nil {
		t.Fatalf("RequestMore() #1 error = %v", err)
	}
	if got := ids(ctrl.Snapshot().Results); !reflect.DeepEqual(got, []int{1, 2, 3, 4, 5}) {
		t.Errorf("after page2 Results = %v", got)
	}

	if err := ctrl.RequestMore(ctx); err != nil {
		t.Fatalf("RequestMore() #2 error = %v", err)
	}
	state := ctrl.Snapshot()
	if got := ids(state.Results); !reflect.DeepEqual(got, []int{1, 2, 3, 4, 5, 6}) {
		t.Errorf("after page3 Results = %v", got)
	}
	if state.Descriptor != (PageDescriptor{Target: "page3", Prev: "page2"}) {
		t.Errorf("Descriptor = %+v", state.Descriptor)
	}
	if ctrl.HasMore() {
		t.Error("HasMore() = true on last page")
	}
}

func TestRequestMore_NoNextIsNoop(t *testing.T) {
	src := newFakeSource()
	ctrl := newTestController(src)
	ctrl.Initialize(page("", "", 1, 2))

	before := ctrl.Snapshot()
	if err := ctrl.RequestMore(context.Background()); err != nil {
		t.Errorf("RequestMore() error = %v, want nil", err)
	}

	if got := src.callCount(); got != 0 {
		t.Errorf("data source calls = %d, want 0", got)
	}
	if after := ctrl.Snapshot(); !reflect.DeepEqual(after, before) {
		t.Errorf("state changed: %+v -> %+v", before, after)
	}
}

func TestRequestSearch_EmptyQueryMatchesInitialize(t *testing.T) {
	seed := page(defaultURL+"?page=2", "", 1, 2, 3)

	src := newFakeSource()
	src.set(SearchURL(defaultURL, ""), seed)

	ctrl := newTestController(src)
	ctrl.Initialize(seed)
	if err := ctrl.RequestSearch(context.Background(), ""); err != nil {
		t.Fatalf("RequestSearch(\"\") error = %v", err)
	}

	fresh := newTestController(newFakeSource())
	fresh.Initialize(seed)

	if got, want := ctrl.Snapshot().Results, fresh.Snapshot().Results; !reflect.DeepEqual(got, want) {
		t.Errorf("Results = %v, want %v", ids(got), ids(want))
	}
	if src.callCount() != 1 {
		t.Errorf("empty search should fetch the filter url once, calls = %d", src.callCount())
	}
}

func TestRequestSearch_FailureLeavesStateUntouched(t *testing.T) {
	src := newFakeSource()
	src.set("page2", page("page3", "page1", 4))
	boom := errors.New("connection reset")
	src.fail(SearchURL(defaultURL, "rick"), boom)

	ctrl := newTestController(src)
	ctrl.Initialize(page("page2", "", 1, 2, 3))
	ctx := context.Background()
	if err := ctrl.RequestMore(ctx); err != nil {
		t.Fatalf("RequestMore() error = %v", err)
	}

	before := ctrl.Snapshot()
	err := ctrl.RequestSearch(ctx, "rick")
	if !errors.Is(err, boom) {
		t.Fatalf("RequestSearch() error = %v, want wrapped %v", err, boom)
	}

	if after := ctrl.Snapshot(); !reflect.DeepEqual(after, before) {
		t.Errorf("state changed on failure: %+v -> %+v", before, after)
	}

	// The same search can be retried by the user.
	src.fail(SearchURL(defaultURL, "rick"), nil)
	src.set(SearchURL(defaultURL, "rick"), page("", "", 1))
	if err := ctrl.RequestSearch(ctx, "rick"); err != nil {
		t.Fatalf("retry RequestSearch() error = %v", err)
	}
	if got := ids(ctrl.Snapshot().Results); !reflect.DeepEqual(got, []int{1}) {
		t.Errorf("Results after retry = %v, want [1]", got)
	}
}

func TestRequestMore_FailureLeavesStateUntouched(t *testing.T) {
	src := newFakeSource()
	src.fail("page2", errors.New("503"))

	ctrl := newTestController(src)
	ctrl.Initialize(page("page2", "", 1))

	before := ctrl.Snapshot()
	if err := ctrl.RequestMore(context.Background()); err == nil {
		t.Fatal("RequestMore() should return the fetch error")
	}
	if after := ctrl.Snapshot(); !reflect.DeepEqual(after, before) {
		t.Errorf("state changed on failure: %+v -> %+v", before, after)
	}
	if !ctrl.HasMore() {
		t.Error("HasMore() should still be true")
	}
}

func TestExampleScenario(t *testing.T) {
	src := newFakeSource()
	src.set("page2", &character.Page{
		Info:    character.Info{Next: "page3", Prev: "page1"},
		Results: []character.Character{{ID: 2, Name: "Morty"}},
	})

	ctrl := newTestController(src)
	ctrl.Initialize(&character.Page{
		Info:    character.Info{Next: "page2"},
		Results: []character.Character{{ID: 1, Name: "Rick"}},
	})

	if err := ctrl.RequestMore(context.Background()); err != nil {
		t.Fatalf("RequestMore() error = %v", err)
	}

	state := ctrl.Snapshot()
	want := []character.Character{{ID: 1, Name: "Rick"}, {ID: 2, Name: "Morty"}}
	if !reflect.DeepEqual(state.Results, want) {
		t.Errorf("Results = %+v, want %+v", state.Results, want)
	}
	if state.Descriptor != (PageDescriptor{Target: "page2", Next: "page3", Prev: "page1"}) {
		t.Errorf("Descriptor = %+v", state.Descriptor)
	}
}

func TestRequest_SameTargetDoesNotFetch(t *testing.T) {
	src := newFakeSource()
	src.set(SearchURL(defaultURL, "rick"), page("", "", 1))

	ctrl := newTestController(src)
	ctrl.Initialize(page("", "", 5))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := ctrl.RequestSearch(ctx, "rick"); err != nil {
			t.Fatalf("RequestSearch() #%d error = %v", i+1, err)
		}
	}
	if got := src.callCount(); got != 1 {
		t.Errorf("data source calls = %d, want 1", got)
	}
}

func TestRequest_ClassifiesByPrevCursor(t *testing.T) {
	// A search answered with a continuation page is appended: the prev cursor
	// alone decides.
	src := newFakeSource()
	src.set(SearchURL(defaultURL, "odd"), page("", "somewhere", 7))

	ctrl := newTestController(src)
	ctrl.Initialize(page("", "", 1))
	if err := ctrl.RequestSearch(context.Background(), "odd"); err != nil {
		t.Fatalf("RequestSearch() error = %v", err)
	}
	if got := ids(ctrl.Snapshot().Results); !reflect.DeepEqual(got, []int{1, 7}) {
		t.Errorf("Results = %v, want [1 7]", got)
	}
}

func TestRequest_StaleResponseDiscarded(t *testing.T) {
	src := newFakeSource()
	slow := SearchURL(defaultURL, "slow")
	fast := SearchURL(defaultURL, "fast")
	src.set(slow, page("", "", 100))
	src.set(fast, page("", "", 200))
	release := src.hold(slow)

	ctrl := newTestController(src)
	ctrl.Initialize(page("", "", 1))
	ctx := context.Background()

	slowErr := make(chan error, 1)
	go func() { slowErr <- ctrl.RequestSearch(ctx, "slow") }()

	select {
	case <-src.called:
	case <-time.After(time.Second):
		t.Fatal("slow fetch was not issued")
	}

	if err := ctrl.RequestSearch(ctx, "fast"); err != nil {
		t.Fatalf("fast RequestSearch() error = %v", err)
	}
	release()

	if err := <-slowErr; !errors.Is(err, ErrStaleResponse) {
		t.Errorf("slow RequestSearch() error = %v, want ErrStaleResponse", err)
	}

	state := ctrl.Snapshot()
	if got := ids(state.Results); !reflect.DeepEqual(got, []int{200}) {
		t.Errorf("Results = %v, want [200]", got)
	}
	if state.Descriptor.Target != fast {
		t.Errorf("Target = %q, want %q", state.Descriptor.Target, fast)
	}
}

func TestRequest_ReinitializeInvalidatesInFlight(t *testing.T) {
	src := newFakeSource()
	target := SearchURL(defaultURL, "rick")
	src.set(target, page("", "", 9))
	release := src.hold(target)

	ctrl := newTestController(src)
	ctrl.Initialize(page("", "", 1))

	done := make(chan error, 1)
	go func() { done <- ctrl.RequestSearch(context.Background(), "rick") }()
	<-src.called

	ctrl.Initialize(page("", "", 2))
	release()

	if err := <-done; !errors.Is(err, ErrStaleResponse) {
		t.Errorf("error = %v, want ErrStaleResponse", err)
	}
	if got := ids(ctrl.Snapshot().Results); !reflect.DeepEqual(got, []int{2}) {
		t.Errorf("Results = %v, want [2]", got)
	}
}

func TestSnapshot_ReturnsCopy(t *testing.T) {
	ctrl := newTestController(newFakeSource())
	ctrl.Initialize(page("", "", 1, 2))

	state := ctrl.Snapshot()
	state.Results[0].ID = 99
	state.Results = append(state.Results, character.Character{ID: 3})

	if got := ids(ctrl.Snapshot().Results); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Errorf("Results = %v, want [1 2]", got)
	}
}

func TestInitialize_DoesNotAliasSeed(t *testing.T) {
	seed := page("", "", 1, 2)
	ctrl := newTestController(newFakeSource())
	ctrl.Initialize(seed)

	seed.Results[0].ID = 42
	if got := ids(ctrl.Snapshot().Results); got[0] != 1 {
		t.Errorf("Results = %v, seed mutation leaked", got)
	}
}

func TestSearchURL(t *testing.T) {
	tests := []struct {
		base  string
		query string
		want  string
	}{
		{defaultURL, "rick", defaultURL + "/?name=rick"},
		{defaultURL + "/", "rick", defaultURL + "/?name=rick"},
		{defaultURL, "", defaultURL + "/?name="},
		{defaultURL, "Rick Sanchez", defaultURL + "/?name=Rick+Sanchez"},
		{defaultURL, "a&b=c", defaultURL + "/?name=a%26b%3Dc"},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := SearchURL(tt.base, tt.query); got != tt.want {
				t.Errorf("SearchURL(%q, %q) = %q, want %q", tt.base, tt.query, got, tt.want)
			}
		})
	}
}
