package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{name: "midi", data: `{"type":"midi","midi":[144,60,100],"instrument":"piano","userId":"A"}`},
		{name: "note off", data: `{"type":"midi","midi":[128,60,0],"instrument":"piano"}`},
		{name: "ping", data: `{"type":"ping","value":1600000000000}`},
		{name: "pong", data: `{"type":"pong","value":1}`},
		{name: "sync", data: `{"type":"sync","state":"{\"grain\":0.4}"}`},
		{name: "mute", data: `{"type":"mute"}`},
		{name: "not json", data: `not json`, wantErr: ErrMalformed},
		{name: "unknown type", data: `{"type":"answer"}`, wantErr: ErrUnknownType},
		{name: "server owned type", data: `{"type":"user_join"}`, wantErr: ErrUnknownType},
		{name: "short midi", data: `{"type":"midi","midi":[144,60]}`, wantErr: ErrInvalid},
		{name: "midi out of range", data: `{"type":"midi","midi":[144,60,300]}`, wantErr: ErrInvalid},
		{name: "midi data byte as status", data: `{"type":"midi","midi":[60,60,100]}`, wantErr: ErrInvalid},
		{name: "ping without value", data: `{"type":"ping"}`, wantErr: ErrInvalid},
		{name: "sync without state", data: `{"type":"sync"}`, wantErr: ErrInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(tt.data))
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestEvent_SyncStateIsOpaque(t *testing.T) {
	in := `{"type":"sync","state":{"density":[1,2,3],"spread":"wide"}}`
	ev, err := DecodeEvent([]byte(in))
	require.NoError(t, err)

	ev.UserID = "A"
	out, err := ev.Encode()
	require.NoError(t, err)

	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &got))
	assert.JSONEq(t, `{"density":[1,2,3],"spread":"wide"}`, string(got["state"]))
	assert.JSONEq(t, `"A"`, string(got["userId"]))
}

func TestNewPingEvent_ClampsNegative(t *testing.T) {
	ev := NewPingEvent("u1", -25)
	require.NotNil(t, ev.Value)
	assert.Equal(t, int64(0), *ev.Value)

	b, err := ev.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping","userId":"u1","value":0}`, string(b))
}

func TestNewUser_Unique(t *testing.T) {
	seen := make(map[string]struct{})
	for range 1000 {
		u := NewUser()
		_, dup := seen[u.ID]
		require.False(t, dup, "duplicate id %s", u.ID)
		seen[u.ID] = struct{}{}
		assert.Contains(t, Emojis, u.Emoji)
		assert.True(t, u.Mute)
	}
}
