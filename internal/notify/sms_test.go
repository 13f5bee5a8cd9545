package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"tradegate/internal/domain"
	"tradegate/internal/resilience"
)

func TestSMSReserveRollingHourCap(t *testing.T) {
	c := NewSMSChannel("http://unused.invalid", "key", "+15559998888", 2, time.Second)
	prefs := domain.NotificationPrefs{UserID: "user-1", PhoneNumber: "+15550001111", SMSOptIn: true}

	for i := 0; i < 2; i++ {
		if err := c.Reserve(prefs); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
	}
	if err := c.Reserve(prefs); !errors.Is(err, ErrSMSRateLimited) {
		t.Fatalf("err = %v, want ErrSMSRateLimited at cap", err)
	}

	// The cap is per destination.
	other := domain.NotificationPrefs{UserID: "user-2", PhoneNumber: "+15550002222", SMSOptIn: true}
	if err := c.Reserve(other); err != nil {
		t.Fatalf("other destination should not share the budget: %v", err)
	}

	// Entries older than an hour drop out of the window.
	c.mu.Lock()
	c.sent[prefs.PhoneNumber] = []time.Time{time.Now().Add(-2 * time.Hour), time.Now().Add(-90 * time.Minute)}
	c.mu.Unlock()
	if err := c.Reserve(prefs); err != nil {
		t.Fatalf("stale entries should free the budget: %v", err)
	}
}

func TestDispatchSMSCapRecordsFailure(t *testing.T) {
	var calls int32
	smsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer smsSrv.Close()

	st := seededStore(t)
	breaker := resilience.NewBreaker("sms", 1, 1, time.Minute, time.Second)
	d := NewDispatcher(st, []Channel{
		NewSMSChannel(smsSrv.URL, "key", "+15559998888", 1, time.Second),
	}, map[domain.Channel]*resilience.Breaker{domain.ChannelSMS: breaker}, testRetry(), zap.NewNop())

	alert := criticalAlert()
	alert.Channels = []domain.Channel{domain.ChannelSMS}

	if outcomes := d.Dispatch(context.Background(), alert); outcomes[0].Err != nil {
		t.Fatalf("first dispatch: %v", outcomes[0].Err)
	}
	outcomes := d.Dispatch(context.Background(), alert)
	if !errors.Is(outcomes[0].Err, ErrSMSRateLimited) {
		t.Fatalf("err = %v, want ErrSMSRateLimited past the cap", outcomes[0].Err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("capped dispatch must not reach the provider, got %d calls", calls)
	}

	// Budget exhaustion is not a provider fault and must not trip the breaker.
	if breaker.State() != resilience.StateClosed {
		t.Fatalf("breaker state = %s, want closed", breaker.State())
	}

	rows := st.Notifications()
	if len(rows) != 2 {
		t.Fatalf("expected 2 notification rows, got %d", len(rows))
	}
	var failed *domain.Notification
	for i := range rows {
		if rows[i].Status == domain.NotificationFailed {
			failed = &rows[i]
		}
	}
	if failed == nil {
		t.Fatal("expected a failed notification row for the capped attempt")
	}
	if failed.Channel != domain.ChannelSMS || failed.Error == "" {
		t.Fatalf("failed row = %+v, want sms channel with error text", failed)
	}
}
