package streamclient

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustdash/relay-plane/internal/model"
)

func TestBus_FansOutByKindAndServer(t *testing.T) {
	b := NewBus()
	all, cancelAll := b.Subscribe("", 4)
	defer cancelAll()
	chat, cancelChat := b.Subscribe(model.EventChatMessage, 4)
	defer cancelChat()
	chatSrv2, cancelSrv2 := b.SubscribeServer(model.EventChatMessage, "srv_2", 4)
	defer cancelSrv2()

	b.publish(model.Event{Kind: model.EventChatMessage, ServerID: "srv_1"})
	b.publish(model.Event{Kind: model.EventChatMessage, ServerID: "srv_2"})
	b.publish(model.Event{Kind: model.EventHeartbeat})

	assert.Len(t, all, 3)
	assert.Len(t, chat, 2)
	require.Len(t, chatSrv2, 1)
	assert.Equal(t, "srv_2", (<-chatSrv2).ServerID)
}

func TestBus_CancelClosesChannelAndStopsDelivery(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(model.EventTeamInfoUpdate, 1)
	cancel()
	cancel()

	b.publish(model.Event{Kind: model.EventTeamInfoUpdate})
	_, open := <-ch
	assert.False(t, open)
}

func TestBus_SlowListenerDrops(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(model.EventMapMarkerUpdate, 1)
	defer cancel()

	b.publish(model.Event{Kind: model.EventMapMarkerUpdate})
	b.publish(model.Event{Kind: model.EventMapMarkerUpdate})

	assert.Len(t, ch, 1)
	assert.Equal(t, int64(1), b.Dropped())
}

func TestDecoder_ParsesFrames(t *testing.T) {
	in := ": comment\r\n" +
		"id: 1\r\nevent: connected\r\ndata: {\"a\":1}\r\n\r\n" +
		"\n" +
		"event: chat_message\ndata: line one\ndata: line two\n\n" +
		"data:nospace\n\n" +
		"event: partial\ndata: x"

	d := newDecoder(strings.NewReader(in))

	f, err := d.next()
	require.NoError(t, err)
	assert.Equal(t, frame{id: "1", event: "connected", data: []byte(`{"a":1}`)}, f)

	f, err = d.next()
	require.NoError(t, err)
	assert.Equal(t, "chat_message", f.event)
	assert.Equal(t, "line one\nline two", string(f.data))

	f, err = d.next()
	require.NoError(t, err)
	assert.Equal(t, "nospace", string(f.data))

	_, err = d.next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecodeEvent_KindFromEventLine(t *testing.T) {
	ev, err := decodeEvent(frame{event: "heartbeat", data: []byte(`{"serverId":"srv_1","payload":{"time":"x"}}`)})
	require.NoError(t, err)
	assert.Equal(t, model.EventHeartbeat, ev.Kind)
	assert.Equal(t, "srv_1", ev.ServerID)

	_, err = decodeEvent(frame{data: []byte(`{}`)})
	assert.Error(t, err)

	_, err = decodeEvent(frame{event: "chat_message", data: []byte(`{`)})
	assert.Error(t, err)
}
