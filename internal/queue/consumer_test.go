package queue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/market-auction/internal/model"
)

func TestNewNotificationEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := model.Notification{Type: model.NotifyOutbid, AuctionID: 4, UserID: 9, Amount: 12000}
	a := NewNotificationEvent(n, at)
	b := NewNotificationEvent(n, at)

	assert.NotEmpty(t, a.EventID)
	assert.NotEqual(t, a.EventID, b.EventID)
	assert.Equal(t, "outbid", a.Type)
	assert.Equal(t, "2026-03-01T12:00:00Z", a.OccurredAt)

	body, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"auction_id":4`)
	assert.Contains(t, string(body), `"event_id":"`)
}

func TestHandleMessage_AppendsLine(t *testing.T) {
	dir := t.TempDir()
	c := &NotificationConsumer{LogDir: dir}
	ev := NewNotificationEvent(model.Notification{Type: model.NotifyWon, AuctionID: 1, UserID: 3, Amount: 20000}, time.Now())
	body, err := json.Marshal(ev)
	require.NoError(t, err)

	require.NoError(t, c.handleMessage(body))
	require.NoError(t, c.handleMessage(body))

	data, err := os.ReadFile(filepath.Join(dir, "notifications.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "won | event_id="+ev.EventID)
	assert.Contains(t, lines[0], "amount=20000")
}

func TestHandleMessage_RejectsBadPayload(t *testing.T) {
	c := &NotificationConsumer{LogDir: t.TempDir()}
	assert.Error(t, c.handleMessage([]byte("not json")))
	assert.Error(t, c.handleMessage([]byte(`{"auction_id":1}`)))
}
