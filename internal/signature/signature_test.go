package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignMatchesHMACOverTimestampDotBody(t *testing.T) {
	body := []byte(`{"event_id":"01J"}`)
	h := hmac.New(sha256.New, []byte("s3cret"))
	h.Write([]byte("1700000000." + string(body)))

	require.Equal(t, hex.EncodeToString(h.Sum(nil)), Sign("s3cret", 1700000000, body))
}

func TestVerify(t *testing.T) {
	now := time.Unix(1700000000, 0)
	body := []byte(`{"order_id":"123"}`)
	sig := Sign("s3cret", now.Unix(), body)
	tolerance := 5 * time.Minute

	tests := []struct {
		name   string
		secret string
		signed Signed
		body   []byte
		now    time.Time
		want   bool
	}{
		{"valid", "s3cret", Signed{sig, now.Unix()}, body, now, true},
		{"valid at tolerance edge", "s3cret", Signed{sig, now.Unix()}, body, now.Add(tolerance), true},
		{"timestamp too old", "s3cret", Signed{sig, now.Unix()}, body, now.Add(tolerance + time.Second), false},
		{"timestamp in future", "s3cret", Signed{sig, now.Unix()}, body, now.Add(-tolerance - time.Second), false},
		{"body altered", "s3cret", Signed{sig, now.Unix()}, []byte(`{"order_id":"124"}`), now, false},
		{"timestamp altered", "s3cret", Signed{sig, now.Unix() + 1}, body, now, false},
		{"wrong secret", "other", Signed{sig, now.Unix()}, body, now, false},
		{"empty secret", "", Signed{sig, now.Unix()}, body, now, false},
		{"not hex", "s3cret", Signed{"zz" + sig[2:], now.Unix()}, body, now, false},
		{"missing signature", "s3cret", Signed{"", now.Unix()}, body, now, false},
		{"centuries in the past", "s3cret", Signed{Sign("s3cret", now.Unix()-1<<34, body), now.Unix() - 1<<34}, body, now, false},
		{"centuries in the future", "s3cret", Signed{Sign("s3cret", now.Unix()+1<<34, body), now.Unix() + 1<<34}, body, now, false},
		{"min int64 timestamp", "s3cret", Signed{Sign("s3cret", math.MinInt64, body), math.MinInt64}, body, now, false},
		{"max int64 timestamp", "s3cret", Signed{Sign("s3cret", math.MaxInt64, body), math.MaxInt64}, body, now, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Verify(tt.secret, tt.signed, tt.body, tolerance, tt.now))
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	ts, err := ParseTimestamp(" 1700000000 ")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), ts)

	_, err = ParseTimestamp("yesterday")
	assert.Error(t, err)
}
