package marketdata

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-pb/inventory/internal/database"
	"github.com/meridian-pb/inventory/internal/fabric"
)

func testMarketService(t *testing.T) *Service {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "marketdata.db"),
		Profile: database.ProfileProjection,
		Name:    "marketdata",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewService(NewRepository(db, zerolog.Nop()), zerolog.Nop())
}

func valueEvent(t *testing.T, p ValuePayload) *fabric.Event {
	t.Helper()
	payload, err := fabric.EncodePayload(&p)
	require.NoError(t, err)
	return &fabric.Event{Type: EventValue, Stream: fabric.StreamMarket, Payload: payload}
}

func TestLatestValueWins(t *testing.T) {
	svc := testMarketService(t)
	base := time.Now().Unix()

	require.NoError(t, svc.Handle(valueEvent(t, ValuePayload{
		SecurityID: "SEC-1", Kind: KindPrice, Value: "101.25",
		Source: "reuters", ObservedAt: base,
	})))
	require.NoError(t, svc.Handle(valueEvent(t, ValuePayload{
		SecurityID: "SEC-1", Kind: KindPrice, Value: "101.40",
		Source: "reuters", ObservedAt: base + 10,
	})))

	price, ok, err := svc.Price("SEC-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.RequireFromString("101.40")))
}

func TestStaleValueIgnored(t *testing.T) {
	svc := testMarketService(t)
	base := time.Now().Unix()

	require.NoError(t, svc.Handle(valueEvent(t, ValuePayload{
		SecurityID: "SEC-1", Kind: KindPrice, Value: "101.40",
		Source: "reuters", ObservedAt: base,
	})))
	// An older observation arriving late never overwrites the newer one.
	require.NoError(t, svc.Handle(valueEvent(t, ValuePayload{
		SecurityID: "SEC-1", Kind: KindPrice, Value: "99.00",
		Source: "bloomberg", ObservedAt: base - 60,
	})))

	price, ok, err := svc.Price("SEC-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.RequireFromString("101.40")))
}

func TestUnknownSecurityHasNoPrice(t *testing.T) {
	svc := testMarketService(t)
	_, ok, err := svc.Price("SEC-MISSING")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMalformedValueRejected(t *testing.T) {
	svc := testMarketService(t)
	err := svc.Handle(valueEvent(t, ValuePayload{
		SecurityID: "SEC-1", Kind: KindPrice, Value: "not-a-number",
	}))
	assert.Error(t, err)
}

func TestFXConvertDirectAndInverse(t *testing.T) {
	svc := testMarketService(t)
	payload, err := fabric.EncodePayload(&FXPayload{
		Base: "USD", Quote: "JPY", Rate: "150", ObservedAt: time.Now().Unix(),
	})
	require.NoError(t, err)
	require.NoError(t, svc.Handle(&fabric.Event{Type: EventFX, Stream: fabric.StreamMarket, Payload: payload}))

	out, err := svc.Convert(decimal.NewFromInt(10), "USD", "JPY")
	require.NoError(t, err)
	assert.True(t, out.Equal(decimal.NewFromInt(1500)))

	out, err = svc.Convert(decimal.NewFromInt(300), "JPY", "USD")
	require.NoError(t, err)
	assert.True(t, out.Equal(decimal.NewFromInt(2)))

	out, err = svc.Convert(decimal.NewFromInt(7), "USD", "USD")
	require.NoError(t, err)
	assert.True(t, out.Equal(decimal.NewFromInt(7)))

	_, err = svc.Convert(decimal.NewFromInt(1), "USD", "EUR")
	assert.Error(t, err)
}
