package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"realm-steward/internal/storage"

	"go.uber.org/zap"
)

// ErrStaleHandle is returned by a Publisher when the stored leaderboard
// message or its channel no longer exists.
var ErrStaleHandle = errors.New("leaderboard message no longer resolves")

type Store interface {
	ApplyQuotaDeltas(ctx context.Context, guildID string, deltas []storage.QuotaDelta, at time.Time) error
	ListQuotaRows(ctx context.Context, guildID string) ([]storage.QuotaRow, error)
	ListProfileRows(ctx context.Context, guildID, userID string) ([]storage.QuotaRow, error)
	GetQuotaState(ctx context.Context, guildID string) (storage.QuotaState, error)
	SetQuotaMessage(ctx context.Context, guildID, channelID, messageID string) error
	ResetQuota(ctx context.Context, guildID string, at time.Time) error
}

type Publisher interface {
	Edit(ctx context.Context, channelID, messageID string, board Board) error
	Send(ctx context.Context, channelID string, board Board) (string, error)
}

// ChannelResolver returns the channel the guild's leaderboard lives in, or ""
// when none is configured.
type ChannelResolver func(ctx context.Context, guildID string) (string, error)

type Aggregator struct {
	store     Store
	publisher Publisher
	channel   ChannelResolver
	logger    *zap.Logger
	now       func() time.Time

	publishMu sync.Mutex
	guildMu   map[string]*sync.Mutex
}

func NewAggregator(store Store, publisher Publisher, channel ChannelResolver, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		store:     store,
		publisher: publisher,
		channel:   channel,
		logger:    logger,
		now:       time.Now,
		guildMu:   make(map[string]*sync.Mutex),
	}
}

func (a *Aggregator) WithClock(now func() time.Time) {
	a.now = now
}

// LogContribution applies the batch to the guild's quota records and the
// members' profiles, then republishes the leaderboard. Only store failures
// are returned; publishing problems are logged.
func (a *Aggregator) LogContribution(ctx context.Context, guildID string, batch Batch) (Board, error) {
	if err := batch.Validate(); err != nil {
		return Board{}, err
	}
	deltas := batch.Deltas()
	if len(deltas) == 0 {
		return Board{}, fmt.Errorf("%w: nothing to log", ErrInvalidBatch)
	}

	if err := a.store.ApplyQuotaDeltas(ctx, guildID, deltas, a.now()); err != nil {
		return Board{}, err
	}
	a.logger.Info("quota contribution logged",
		zap.String("guild_id", guildID),
		zap.Int("members", len(batch.Members())),
		zap.Int("deltas", len(deltas)),
	)

	board, err := a.Board(ctx, guildID)
	if err != nil {
		// increments are already committed
		a.logger.Warn("leaderboard reload failed", zap.String("guild_id", guildID), zap.Error(err))
		return Board{GuildID: guildID, GeneratedAt: a.now()}, nil
	}
	a.publish(ctx, guildID, board)
	return board, nil
}

// Reset zeroes the guild's counters, starts a new period and posts a fresh
// leaderboard message.
func (a *Aggregator) Reset(ctx context.Context, guildID string) (Board, error) {
	if err := a.store.ResetQuota(ctx, guildID, a.now()); err != nil {
		return Board{}, err
	}
	a.logger.Info("quota period reset", zap.String("guild_id", guildID))

	board, err := a.Board(ctx, guildID)
	if err != nil {
		a.logger.Warn("leaderboard reload failed", zap.String("guild_id", guildID), zap.Error(err))
		return Board{GuildID: guildID, GeneratedAt: a.now()}, nil
	}
	a.publish(ctx, guildID, board)
	return board, nil
}

// Board returns the ranked leaderboard without writing anything.
func (a *Aggregator) Board(ctx context.Context, guildID string) (Board, error) {
	rows, err := a.store.ListQuotaRows(ctx, guildID)
	if err != nil {
		return Board{}, err
	}
	state, err := a.store.GetQuotaState(ctx, guildID)
	if err != nil {
		return Board{}, err
	}
	return Board{
		GuildID:     guildID,
		Entries:     rankRecords(recordsFromRows(rows)),
		LastReset:   state.LastReset,
		GeneratedAt: a.now(),
	}, nil
}

// Profile returns a member's lifetime totals in the guild.
func (a *Aggregator) Profile(ctx context.Context, guildID, userID string) (Record, error) {
	rows, err := a.store.ListProfileRows(ctx, guildID, userID)
	if err != nil {
		return Record{}, err
	}
	record := Record{MemberID: userID}
	for _, row := range rows {
		record.set(Category(row.Category), row.Counts)
	}
	return record, nil
}

// guildLock serializes publishing per guild so only one leaderboard message
// is ever created for it.
func (a *Aggregator) guildLock(guildID string) *sync.Mutex {
	a.publishMu.Lock()
	defer a.publishMu.Unlock()
	mu, ok := a.guildMu[guildID]
	if !ok {
		mu = &sync.Mutex{}
		a.guildMu[guildID] = mu
	}
	return mu
}

func (a *Aggregator) publish(ctx context.Context, guildID string, board Board) {
	if a.publisher == nil || a.channel == nil {
		return
	}
	mu := a.guildLock(guildID)
	mu.Lock()
	defer mu.Unlock()
	logger := a.logger.With(zap.String("guild_id", guildID))

	channelID, err := a.channel(ctx, guildID)
	if err != nil {
		logger.Warn("resolve leaderboard channel failed", zap.Error(err))
		return
	}
	if channelID == "" {
		logger.Debug("no leaderboard channel configured")
		return
	}

	state, err := a.store.GetQuotaState(ctx, guildID)
	if err != nil {
		logger.Warn("load leaderboard handle failed", zap.Error(err))
		return
	}

	if state.MessageID != "" && state.ChannelID == channelID {
		err := a.publisher.Edit(ctx, channelID, state.MessageID, board)
		if err == nil {
			return
		}
		if !errors.Is(err, ErrStaleHandle) {
			logger.Warn("edit leaderboard failed", zap.String("message_id", state.MessageID), zap.Error(err))
			return
		}
		logger.Info("leaderboard message gone, posting a new one", zap.String("message_id", state.MessageID))
	}

	messageID, err := a.publisher.Send(ctx, channelID, board)
	if err != nil {
		logger.Warn("send leaderboard failed", zap.String("channel_id", channelID), zap.Error(err))
		return
	}
	if err := a.store.SetQuotaMessage(ctx, guildID, channelID, messageID); err != nil {
		logger.Warn("persist leaderboard handle failed", zap.String("message_id", messageID), zap.Error(err))
	}
}
