package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"realm-steward/internal/storage"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePublisher struct {
	mu      sync.Mutex
	edits   []string
	sends   int
	editErr error
	sendErr error
	nextID  int
	boards  []Board
	// sendDelay stretches Send so concurrent publishers overlap
	sendDelay time.Duration
}

func (p *fakePublisher) Edit(_ context.Context, _ string, messageID string, board Board) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.edits = append(p.edits, messageID)
	if p.editErr != nil {
		return p.editErr
	}
	p.boards = append(p.boards, board)
	return nil
}

func (p *fakePublisher) Send(_ context.Context, _ string, board Board) (string, error) {
	time.Sleep(p.sendDelay)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sends++
	if p.sendErr != nil {
		return "", p.sendErr
	}
	p.nextID++
	p.boards = append(p.boards, board)
	return fmt.Sprintf("m%d", p.nextID), nil
}

type failingStore struct {
	Store
	err error
}

func (s failingStore) ApplyQuotaDeltas(context.Context, string, []storage.QuotaDelta, time.Time) error {
	return s.err
}

func staticChannel(id string) ChannelResolver {
	return func(context.Context, string) (string, error) { return id, nil }
}

func newAggregator(t *testing.T, publisher Publisher) (*Aggregator, *storage.Store) {
	t.Helper()
	store, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate())

	agg := NewAggregator(store, publisher, staticChannel("quota"), zap.NewNop())
	now := time.UnixMilli(1_700_000_000_000)
	agg.WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	})
	return agg, store
}

func mainBatch(category Category, completed int, members ...string) Batch {
	return Batch{category: {Main: Main{Members: members, Completed: completed}}}
}

func TestLogContributionIsAdditive(t *testing.T) {
	agg, _ := newAggregator(t, &fakePublisher{})
	ctx := context.Background()

	_, err := agg.LogContribution(ctx, "g1", mainBatch(General, 3, "x"))
	require.NoError(t, err)
	board, err := agg.LogContribution(ctx, "g1", mainBatch(General, 2, "x"))
	require.NoError(t, err)

	require.Len(t, board.Entries, 1)
	require.Equal(t, 5, board.Entries[0].Record.General.Completed)
	require.Equal(t, 5, board.Entries[0].Total)

	profile, err := agg.Profile(ctx, "g1", "x")
	require.NoError(t, err)
	require.Equal(t, 5, profile.General.Completed)
}

func TestDisjointBatchesCommute(t *testing.T) {
	batchA := Batch{Endgame: {Main: Main{Members: []string{"x"}, Completed: 2, Failed: 1}}}
	batchB := Batch{RealmClearing: {Assists: Assists{Members: []string{"y"}, Count: 4}}}

	totals := func(first, second Batch) map[string]Record {
		agg, _ := newAggregator(t, &fakePublisher{})
		ctx := context.Background()
		_, err := agg.LogContribution(ctx, "g1", first)
		require.NoError(t, err)
		board, err := agg.LogContribution(ctx, "g1", second)
		require.NoError(t, err)

		out := make(map[string]Record)
		for _, entry := range board.Entries {
			record := entry.Record
			record.LastUpdated = time.Time{}
			out[record.MemberID] = record
		}
		return out
	}

	require.Equal(t, totals(batchA, batchB), totals(batchB, batchA))
}

func TestLogContributionRanksBoard(t *testing.T) {
	agg, _ := newAggregator(t, &fakePublisher{})
	ctx := context.Background()

	_, err := agg.LogContribution(ctx, "g1", Batch{
		General: {
			Main:    Main{Members: []string{"a", "b"}, Completed: 5},
			Assists: Assists{Members: []string{"c"}, Count: 3},
		},
		Endgame: {Main: Main{Members: []string{"d"}, Failed: 1}},
	})
	require.NoError(t, err)

	board, err := agg.Board(ctx, "g1")
	require.NoError(t, err)

	var ranks []int
	var members []string
	for _, entry := range board.Entries {
		ranks = append(ranks, entry.Rank)
		members = append(members, entry.Record.MemberID)
	}
	require.Equal(t, []int{1, 1, 3, 4}, ranks)
	require.Equal(t, []string{"a", "b", "c", "d"}, members)
}

func TestDuplicateMembersCountedOnce(t *testing.T) {
	agg, _ := newAggregator(t, &fakePublisher{})

	board, err := agg.LogContribution(context.Background(), "g1", Batch{
		General: {
			Main:    Main{Members: []string{"x", "x"}, Completed: 1},
			Assists: Assists{Members: []string{"x"}, Count: 2},
		},
	})
	require.NoError(t, err)
	require.Len(t, board.Entries, 1)
	require.Equal(t, storage.Counts{Completed: 1, Assists: 2}, board.Entries[0].Record.General)
}

func TestInvalidBatchRejected(t *testing.T) {
	agg, _ := newAggregator(t, &fakePublisher{})
	ctx := context.Background()

	_, err := agg.LogContribution(ctx, "g1", mainBatch(General, -1, "x"))
	require.ErrorIs(t, err, ErrInvalidBatch)

	_, err = agg.LogContribution(ctx, "g1", Batch{})
	require.ErrorIs(t, err, ErrInvalidBatch)

	_, err = agg.LogContribution(ctx, "g1", mainBatch(General, 0, "x"))
	require.ErrorIs(t, err, ErrInvalidBatch)
}

func TestStableHandleEditedInPlace(t *testing.T) {
	publisher := &fakePublisher{}
	agg, store := newAggregator(t, publisher)
	ctx := context.Background()

	_, err := agg.LogContribution(ctx, "g1", mainBatch(General, 1, "x"))
	require.NoError(t, err)
	_, err = agg.LogContribution(ctx, "g1", mainBatch(General, 1, "y"))
	require.NoError(t, err)

	require.Equal(t, 1, publisher.sends)
	require.Equal(t, []string{"m1"}, publisher.edits)

	state, err := store.GetQuotaState(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, "m1", state.MessageID)
	require.Equal(t, "quota", state.ChannelID)
}

func TestStaleHandleReplacedAndPersisted(t *testing.T) {
	publisher := &fakePublisher{}
	agg, store := newAggregator(t, publisher)
	ctx := context.Background()
	require.NoError(t, store.SetQuotaMessage(ctx, "g1", "quota", "deleted"))

	publisher.editErr = fmt.Errorf("edit: %w", ErrStaleHandle)
	_, err := agg.LogContribution(ctx, "g1", mainBatch(General, 1, "x"))
	require.NoError(t, err)

	require.Equal(t, []string{"deleted"}, publisher.edits)
	require.Equal(t, 1, publisher.sends)

	state, err := store.GetQuotaState(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, "m1", state.MessageID)
}

func TestRenderFailureIsSwallowed(t *testing.T) {
	publisher := &fakePublisher{sendErr: errors.New("gateway down")}
	agg, store := newAggregator(t, publisher)
	ctx := context.Background()

	board, err := agg.LogContribution(ctx, "g1", mainBatch(Endgame, 1, "x"))
	require.NoError(t, err)
	require.Len(t, board.Entries, 1)

	state, err := store.GetQuotaState(ctx, "g1")
	require.NoError(t, err)
	require.Empty(t, state.MessageID)
}

func TestStoreFailurePropagates(t *testing.T) {
	agg, store := newAggregator(t, &fakePublisher{})
	agg.store = failingStore{Store: store, err: fmt.Errorf("%w: apply quota deltas: boom", storage.ErrStoreUnavailable)}

	_, err := agg.LogContribution(context.Background(), "g1", mainBatch(General, 1, "x"))
	require.ErrorIs(t, err, storage.ErrStoreUnavailable)
}

func TestResetStartsNewMessage(t *testing.T) {
	publisher := &fakePublisher{}
	agg, store := newAggregator(t, publisher)
	ctx := context.Background()

	_, err := agg.LogContribution(ctx, "g1", mainBatch(General, 4, "x"))
	require.NoError(t, err)

	board, err := agg.Reset(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, board.Entries, 1)
	require.Zero(t, board.Entries[0].Total)
	require.False(t, board.LastReset.IsZero())
	require.Equal(t, 2, publisher.sends)

	state, err := store.GetQuotaState(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, "m2", state.MessageID)

	profile, err := agg.Profile(ctx, "g1", "x")
	require.NoError(t, err)
	require.Equal(t, 4, profile.General.Completed)
}

func TestConcurrentLogsCreateOneLeaderboardMessage(t *testing.T) {
	publisher := &fakePublisher{sendDelay: 20 * time.Millisecond}
	agg, store := newAggregator(t, publisher)
	agg.WithClock(time.Now)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(member string) {
			defer wg.Done()
			_, err := agg.LogContribution(ctx, "g1", mainBatch(General, 1, member))
			errs <- err
		}(fmt.Sprintf("m%d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	require.Equal(t, 1, publisher.sends)
	require.Len(t, publisher.edits, 3)

	state, err := store.GetQuotaState(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, "m1", state.MessageID)
}
