package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudwatch/internal/circuitbreaker"
	"github.com/mbd888/fraudwatch/internal/fraud"
	"github.com/mbd888/fraudwatch/internal/retry"
)

type fakePublisher struct {
	name string
	mu   sync.Mutex
	got  []*fraud.FlaggedTransaction
	fail error
	// calls counts every Publish, including failed ones.
	calls  int
	closed bool
}

func (f *fakePublisher) Name() string { return f.name }

func (f *fakePublisher) Publish(_ context.Context, flag *fraud.FlaggedTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return f.fail
	}
	f.got = append(f.got, flag)
	return nil
}

func (f *fakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePublisher) snapshot() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got), f.calls
}

type recordingNotifier struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingNotifier) FlagRaised(_ context.Context, flag *fraud.FlaggedTransaction) {
	r.mu.Lock()
	r.ids = append(r.ids, flag.ID)
	r.mu.Unlock()
}

func flag(id string) *fraud.FlaggedTransaction {
	return &fraud.FlaggedTransaction{
		ID:            id,
		TransactionID: "t-" + id,
		UserID:        "u1",
		FraudType:     fraud.LabelHighAmount,
		Amount:        decimal.NewFromInt(10500),
		Location:      "NYC",
		Timestamp:     time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

var fastRetry = retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}

func TestDispatcher_DeliversToAllSinks(t *testing.T) {
	kafka := &fakePublisher{name: "kafka"}
	redis := &fakePublisher{name: "redis"}
	local := &recordingNotifier{}

	d := NewDispatcher(WithPublishers(kafka, redis), WithLocal(local), WithRetryPolicy(fastRetry))
	d.FlagRaised(context.Background(), flag("flg_1"))
	d.FlagRaised(context.Background(), flag("flg_2"))
	require.NoError(t, d.Close())

	for _, p := range []*fakePublisher{kafka, redis} {
		got, _ := p.snapshot()
		assert.Equal(t, 2, got, p.name)
		assert.True(t, p.closed, p.name)
	}
	assert.Equal(t, []string{"flg_1", "flg_2"}, local.ids)
}

func TestDispatcher_FailingSinkDoesNotBlockOthers(t *testing.T) {
	broken := &fakePublisher{name: "kafka", fail: errors.New("broker down")}
	healthy := &fakePublisher{name: "redis"}

	d := NewDispatcher(
		WithPublishers(broken, healthy),
		WithRetryPolicy(fastRetry),
		WithBreaker(circuitbreaker.New(2, time.Hour)),
	)
	for i := 0; i < 5; i++ {
		d.FlagRaised(context.Background(), flag("flg"))
	}
	require.NoError(t, d.Close())

	got, _ := healthy.snapshot()
	assert.Equal(t, 5, got)

	// Two flags with two attempts each trip the breaker; the rest are short-circuited.
	_, calls := broken.snapshot()
	assert.Equal(t, 4, calls)
}

func TestDispatcher_FlagRaisedAfterCloseIsIgnored(t *testing.T) {
	p := &fakePublisher{name: "kafka"}
	d := NewDispatcher(WithPublishers(p))
	require.NoError(t, d.Close())

	d.FlagRaised(context.Background(), flag("late"))
	got, _ := p.snapshot()
	assert.Zero(t, got)

	assert.ErrorIs(t, d.Close(), ErrDispatcherClosed)
}

func TestEncode(t *testing.T) {
	payload, err := Encode(flag("flg_9"))
	require.NoError(t, err)

	var msg struct {
		Event string `json:"event"`
		Flag  struct {
			ID        string `json:"id"`
			UserID    string `json:"user_id"`
			FraudType string `json:"fraud_type"`
			Amount    string `json:"amount"`
		} `json:"flag"`
	}
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, "flag_raised", msg.Event)
	assert.Equal(t, "flg_9", msg.Flag.ID)
	assert.Equal(t, fraud.LabelHighAmount, msg.Flag.FraudType)
	assert.Equal(t, "10500", msg.Flag.Amount)
}

func TestFlagCountKey(t *testing.T) {
	assert.Equal(t, "fraud:flags:u1", FlagCountKey("u1"))
}
