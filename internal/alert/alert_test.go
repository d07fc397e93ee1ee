package alert

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

func sampleAlert() Alert {
	return Alert{
		TimerID:    "t-1",
		Owner:      "alice",
		Label:      "Tea",
		AlertSound: "chime",
		Volume:     0.7,
	}
}

func TestAlertSoundPrefersCustom(t *testing.T) {
	a := sampleAlert()
	assert.Equal(t, "chime", a.Sound())
	a.CustomSound = "uploads/gong.mp3"
	assert.Equal(t, "uploads/gong.mp3", a.Sound())
}

func TestAlertText(t *testing.T) {
	a := sampleAlert()
	assert.Equal(t, `Timer "Tea" finished (sound chime, volume 70%)`, a.Text())
	a.Recovered = true
	assert.Contains(t, a.Text(), "while the service was offline")
}

// countingNotifier counts deliveries per timer id.
type countingNotifier map[string]int

func (c countingNotifier) Notify(ctx context.Context, a Alert) error {
	c[a.TimerID]++
	return nil
}

func TestMultiDeliversToAllAndJoinsErrors(t *testing.T) {
	first := countingNotifier{}
	last := countingNotifier{}
	failing := NotifierFunc(func(ctx context.Context, a Alert) error { return errors.New("offline") })
	panicking := NotifierFunc(func(ctx context.Context, a Alert) error { panic("bad notifier") })

	m := Multi{first, failing, nil, panicking, last}
	err := m.Notify(context.Background(), sampleAlert())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "offline")
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, 1, first["t-1"])
	assert.Equal(t, 1, last["t-1"])
}

func TestMultiNoErrors(t *testing.T) {
	m := Multi{LogNotifier{}, countingNotifier{}}
	assert.NoError(t, m.Notify(context.Background(), sampleAlert()))
}

type fakeMessageAPI struct {
	params []*twilioApi.CreateMessageParams
	err    error
}

func (f *fakeMessageAPI) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	return &twilioApi.ApiV2010Message{}, nil
}

func TestTwilioNotifierSendsSMS(t *testing.T) {
	api := &fakeMessageAPI{}
	n := &TwilioNotifier{api: api, from: "+15550000001", to: "+15550000002"}

	require.NoError(t, n.Notify(context.Background(), sampleAlert()))
	require.Len(t, api.params, 1)
	assert.Equal(t, "+15550000002", *api.params[0].To)
	assert.Equal(t, "+15550000001", *api.params[0].From)
	assert.Contains(t, *api.params[0].Body, "Tea")
}

func TestTwilioNotifierWrapsErrors(t *testing.T) {
	api := &fakeMessageAPI{err: errors.New("rate limited")}
	n := &TwilioNotifier{api: api, from: "+15550000001", to: "+15550000002"}

	err := n.Notify(context.Background(), sampleAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "t-1")
	assert.Contains(t, err.Error(), "rate limited")
}

func TestNewTwilioNotifierRequiresConfig(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	t.Setenv("ALERT_SMS_TO", "")

	_, err := NewTwilioNotifier()
	assert.Error(t, err)
	assert.False(t, TwilioEnvConfigured())

	_, err = NewTwilioNotifier(WithAccountSID("AC123"), WithAuthToken("token"))
	assert.Error(t, err, "numbers are required")

	n, err := NewTwilioNotifier(WithAccountSID("AC123"), WithAuthToken("token"),
		WithFromNumber("+15550000001"), WithToNumber("+15550000002"))
	require.NoError(t, err)
	assert.Equal(t, "+15550000002", n.to)
}

func TestNewTwilioNotifierEnvFallback(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("TWILIO_AUTH_TOKEN", "token")
	t.Setenv("TWILIO_FROM_NUMBER", "+15550000001")
	t.Setenv("ALERT_SMS_TO", "+15550000002")

	assert.True(t, TwilioEnvConfigured())
	n, err := NewTwilioNotifier()
	require.NoError(t, err)
	assert.Equal(t, "+15550000001", n.from)
}
