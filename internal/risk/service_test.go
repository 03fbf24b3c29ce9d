package risk

import (
	"context"
	"testing"
	"time"

	"security-core/internal/events"
	"security-core/internal/rules"
	"security-core/internal/security"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_CategorizeEventUsesWindows(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := events.NewMemoryRepo(nil)
	ctx := context.Background()

	add := func(at time.Time, typ security.EventType, ip, user string) security.SecurityEvent {
		ev := security.SecurityEvent{ID: at.Format(time.RFC3339Nano) + ip + string(typ), TenantSchema: "t1", EventType: typ, Severity: security.SeverityMedium, IPAddress: ip, UserID: user, CreatedAt: at}
		require.NoError(t, repo.CreateEvent(ctx, ev))
		return ev
	}
	var last security.SecurityEvent
	for i := 0; i < 7; i++ {
		last = add(now.Add(-time.Duration(i)*time.Minute), security.EventLoginFailed, "1.1.1.1", "u1")
	}
	// outside the 24h window
	add(now.Add(-25*time.Hour), security.EventLoginFailed, "1.1.1.1", "u1")

	svc := NewService(repo, NewCategorizer(rules.Default())).WithClock(func() time.Time { return now })
	a, err := svc.CategorizeEvent(ctx, last)
	require.NoError(t, err)

	// 2 * 2 * 1.5
	assert.Equal(t, 6.0, a.RiskScore)
	assert.Equal(t, security.SeverityHigh, a.Priority)
	assert.True(t, a.Pattern.Detected)
	assert.Equal(t, PatternUserCompromise, a.Pattern.Type)
	assert.InDelta(t, 0.7, a.Pattern.Confidence, 1e-9)
}

type countingCounter struct {
	calls int
}

func (c *countingCounter) CountEvents(ctx context.Context, tenant string, q events.Query) (int, error) {
	c.calls++
	return 0, nil
}

func TestBatch_MemoizesCounts(t *testing.T) {
	cc := &countingCounter{}
	svc := NewService(cc, NewCategorizer(rules.Default()))
	b := svc.NewBatch("t1")
	ev := security.SecurityEvent{TenantSchema: "t1", EventType: security.EventLoginFailed, Severity: security.SeverityLow, IPAddress: "1.1.1.1", UserID: "u"}
	for i := 0; i < 5; i++ {
		_, err := b.Categorize(context.Background(), ev)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, cc.calls)
}
