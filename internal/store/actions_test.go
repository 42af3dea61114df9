package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeoliero/rtchat/internal/transport"
	"github.com/mbeoliero/rtchat/pkg/constant"
	"github.com/mbeoliero/rtchat/pkg/errcode"
	"github.com/mbeoliero/rtchat/sdk"
)

func decodeSend(t *testing.T, f *transport.Frame) transport.MsgSendData {
	t.Helper()
	var data transport.MsgSendData
	require.NoError(t, f.Decode(&data))
	return data
}

// sendAndAck sends content and acks it under serverId at sec
func (h *harness) sendAndAck(t *testing.T, conversationId, content, serverId string, sec int) *sdk.Message {
	t.Helper()
	msg, err := h.store.SendMessage(conversationId, content, "", nil, "")
	require.NoError(t, err)
	f := h.sender.last(t, transport.TypeMsgSend)
	h.hub.push(t, transport.TypeMsgAck, f.ReqID, &transport.MsgAckData{
		ConversationID:  conversationId,
		ClientMessageID: msg.ClientMessageID,
		ServerMessageID: serverId,
		CreatedAtServer: epoch.Add(time.Duration(sec) * time.Second),
	})
	out, ok := h.store.Message(conversationId, serverId)
	require.True(t, ok)
	return out
}

func TestSendMessage_Optimistic(t *testing.T) {
	h := newHarness(t, "u1")
	h.withAccepted(t, "c1")

	msg, err := h.store.SendMessage("c1", "Hi", "", nil, "")
	require.NoError(t, err)
	assert.Equal(t, sdk.MessageStatusPending, msg.Status)
	assert.Equal(t, msg.ClientMessageID, msg.ID)
	assert.Equal(t, "u1", msg.SenderID)
	assert.Equal(t, "u1", msg.SenderDisplayName)
	assert.Equal(t, constant.ContentTypeText, msg.ContentType)

	msgs := h.store.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, sdk.MessageStatusPending, msgs[0].Status)

	data := decodeSend(t, h.sender.last(t, transport.TypeMsgSend))
	assert.Equal(t, "c1", data.ConversationID)
	assert.Equal(t, msg.ClientMessageID, data.ClientMessageID)
	assert.Equal(t, "Hi", data.Content)

	c, ok := h.store.Conversation("c1")
	require.True(t, ok)
	require.NotNil(t, c.LastMessage)
	assert.Equal(t, "Hi", c.LastMessage.Content)
}

func TestSendMessage_Validation(t *testing.T) {
	h := newHarness(t, "u1")
	h.hub.push(t, transport.TypeConvUpsert, "", &transport.ConvUpsertData{
		Conversation: conv("p1", epoch, map[string]bool{"u1": false, "peer": true}),
	})

	tests := []struct {
		name string
		conv string
		text string
		typ  string
		want error
	}{
		{"empty", "c1", "   ", "", errcode.ErrEmptyContent},
		{"too long", "c1", strings.Repeat("a", constant.MaxContentLength+1), "", errcode.ErrContentTooLong},
		{"bad type", "c1", "x", "video", errcode.ErrInvalidParam},
		{"no conversation", "", "x", "", errcode.ErrInvalidParam},
		{"pending conversation", "p1", "x", "", errcode.ErrConvNotAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.store.SendMessage(tt.conv, tt.text, tt.typ, nil, "")
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, h.sender.ofType(transport.TypeMsgSend))

	// an attachment alone is enough
	_, err := h.store.SendMessage("c1", "", constant.ContentTypeFile, []sdk.Attachment{{FileID: "f1"}}, "")
	assert.NoError(t, err)
}

func TestAck_Reconciles(t *testing.T) {
	h := newHarness(t, "u1")
	h.withAccepted(t, "c1")
	h.hub.push(t, transport.TypeMsgNew, "", &transport.MsgNewData{Message: serverMsg("c1", "m50", "peer", "earlier", 50)})

	msg, err := h.store.SendMessage("c1", "hello", "", nil, "")
	require.NoError(t, err)
	f := h.sender.last(t, transport.TypeMsgSend)

	ack := &transport.MsgAckData{
		ConversationID:  "c1",
		ClientMessageID: msg.ClientMessageID,
		ServerMessageID: "S1",
		CreatedAtServer: epoch.Add(40 * time.Second),
	}
	h.hub.push(t, transport.TypeMsgAck, f.ReqID, ack)
	h.hub.push(t, transport.TypeMsgAck, f.ReqID, ack)

	msgs := h.store.Messages("c1")
	require.Len(t, msgs, 2)
	// server time moves it before m50
	assert.Equal(t, []string{"S1", "m50"}, ids(msgs))
	assert.Equal(t, sdk.MessageStatusSent, msgs[0].Status)
	for _, m := range msgs {
		assert.NotEqual(t, msg.ClientMessageID, m.ID)
	}

	// the client id still resolves to the reconciled message
	got, ok := h.store.Message("c1", msg.ClientMessageID)
	require.True(t, ok)
	assert.Equal(t, "S1", got.ID)
}

func TestAck_AfterEchoDoesNotDuplicate(t *testing.T) {
	h := newHarness(t, "u1")
	h.withAccepted(t, "c1")

	msg, err := h.store.SendMessage("c1", "hello", "", nil, "")
	require.NoError(t, err)

	echo := serverMsg("c1", "S1", "u1", "hello", 5)
	echo.ClientMessageID = msg.ClientMessageID
	h.hub.push(t, transport.TypeMsgNew, "", &transport.MsgNewData{Message: echo})
	h.hub.push(t, transport.TypeMsgAck, "", &transport.MsgAckData{
		ConversationID:  "c1",
		ClientMessageID: msg.ClientMessageID,
		ServerMessageID: "S1",
		CreatedAtServer: epoch.Add(5 * time.Second),
	})

	msgs := h.store.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "S1", msgs[0].ID)
	assert.Equal(t, sdk.MessageStatusSent, msgs[0].Status)
	assert.Equal(t, "S1", h.store.Cursor("c1").MessageID)
}

func TestEditMessage(t *testing.T) {
	h := newHarness(t, "u1")
	h.withAccepted(t, "c1")
	h.sendAndAck(t, "c1", "first", "m1", 1)
	h.hub.push(t, transport.TypeMsgNew, "", &transport.MsgNewData{Message: serverMsg("c1", "m2", "peer", "theirs", 2)})
	pending, err := h.store.SendMessage("c1", "queued", "", nil, "")
	require.NoError(t, err)

	require.NoError(t, h.store.EditMessage("c1", "m1", "second"))
	m, _ := h.store.Message("c1", "m1")
	assert.Equal(t, "second", m.Content)
	assert.NotNil(t, m.EditedAt)

	var data transport.MsgEditData
	require.NoError(t, h.sender.last(t, transport.TypeMsgEdit).Decode(&data))
	assert.Equal(t, "m1", data.MessageID)
	assert.Equal(t, "second", data.Content)

	assert.ErrorIs(t, h.store.EditMessage("c1", "m2", "nope"), errcode.ErrNotMessageOwner)
	assert.ErrorIs(t, h.store.EditMessage("c1", "missing", "nope"), errcode.ErrMessageNotFound)
	assert.ErrorIs(t, h.store.EditMessage("c1", pending.ID, "nope"), errcode.ErrInvalidParam)
	assert.ErrorIs(t, h.store.EditMessage("c1", "m1", ""), errcode.ErrEmptyContent)

	require.NoError(t, h.store.DeleteMessage("c1", "m1"))
	assert.ErrorIs(t, h.store.EditMessage("c1", "m1", "again"), errcode.ErrMessageDeleted)
}

func TestDeleteMessage_LeavesTombstone(t *testing.T) {
	h := newHarness(t, "u1")
	h.withAccepted(t, "c1")
	h.sendAndAck(t, "c1", "oops", "m1", 1)

	require.NoError(t, h.store.DeleteMessage("c1", "m1"))
	require.NoError(t, h.store.DeleteMessage("c1", "m1"))
	assert.Len(t, h.sender.ofType(transport.TypeMsgDelete), 1)

	msgs := h.store.Messages("c1")
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsTombstone())
	assert.Equal(t, constant.TombstoneText, msgs[0].Content)

	c, _ := h.store.Conversation("c1")
	assert.Equal(t, constant.TombstoneText, c.LastMessage.Content)
}

func TestHideMessage_SurvivesSyncAndHydration(t *testing.T) {
	h := newHarness(t, "u1")
	h.withAccepted(t, "c1")
	ctx := context.Background()
	h.hub.push(t, transport.TypeMsgNew, "", &transport.MsgNewData{Message: serverMsg("c1", "m1", "peer", "a", 1)})
	h.hub.push(t, transport.TypeMsgNew, "", &transport.MsgNewData{Message: serverMsg("c1", "m2", "peer", "b", 2)})

	require.NoError(t, h.store.HideMessage(ctx, "c1", "m1"))
	assert.Equal(t, []string{"m2"}, ids(h.store.Messages("c1")))
	assert.Equal(t, []string{"m1"}, h.store.Hidden("c1"))

	st, err := h.state.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, st.Hidden["c1"])

	// sync and redelivery carry it again
	h.hub.push(t, transport.TypeConvSyncResult, "", &transport.ConvSyncResultData{
		ConversationID: "c1",
		Messages:       []*sdk.Message{serverMsg("c1", "m1", "peer", "a", 1), serverMsg("c1", "m3", "peer", "c", 3)},
	})
	h.hub.push(t, transport.TypeMsgNew, "", &transport.MsgNewData{Message: serverMsg("c1", "m1", "peer", "a", 1)})
	assert.Equal(t, []string{"m2", "m3"}, ids(h.store.Messages("c1")))

	// a fresh session hydrating from scratch
	h2 := newHarness(t, "u1")
	h2.state = h.state
	h2.store.state = h.state
	require.NoError(t, h2.store.Load(ctx))
	h2.api.pages["c1"] = &sdk.MessagePage{Messages: []*sdk.Message{
		serverMsg("c1", "m1", "peer", "a", 1),
		serverMsg("c1", "m2", "peer", "b", 2),
	}}
	h2.withAccepted(t, "c1")
	assert.Equal(t, []string{"m2"}, ids(h2.store.Messages("c1")))
}

func TestToggleReaction_TwiceRestores(t *testing.T) {
	h := newHarness(t, "u1")
	h.withAccepted(t, "c1")
	h.hub.push(t, transport.TypeMsgNew, "", &transport.MsgNewData{Message: serverMsg("c1", "m1", "peer", "a", 1)})
	before, _ := h.store.Message("c1", "m1")

	added, err := h.store.ToggleReaction("c1", "m1", "👍")
	require.NoError(t, err)
	assert.True(t, added)
	m, _ := h.store.Message("c1", "m1")
	require.Len(t, m.Reactions, 1)
	assert.Equal(t, "u1", m.Reactions[0].UserID)

	added, err = h.store.ToggleReaction("c1", "m1", "👍")
	require.NoError(t, err)
	assert.False(t, added)
	after, _ := h.store.Message("c1", "m1")
	assert.Equal(t, len(before.Reactions), len(after.Reactions))
	assert.Len(t, h.sender.ofType(transport.TypeMsgReact), 2)

	_, err = h.store.ToggleReaction("c1", "nope", "👍")
	assert.ErrorIs(t, err, errcode.ErrMessageNotFound)
}

func TestToggleReaction_ConvergesOnEcho(t *testing.T) {
	h := newHarness(t, "u1")
	h.withAccepted(t, "c1")
	h.hub.push(t, transport.TypeMsgNew, "", &transport.MsgNewData{Message: serverMsg("c1", "m1", "peer", "a", 1)})

	_, err := h.store.ToggleReaction("c1", "m1", "🔥")
	require.NoError(t, err)
	_, err = h.store.ToggleReaction("c1", "m1", "🔥")
	require.NoError(t, err)

	// the echoes of both toggles arrive afterwards, in order
	for _, action := range []string{transport.ReactionAdded, transport.ReactionRemoved} {
		h.hub.push(t, transport.TypeMsgReactAck, "", &transport.MsgReactData{
			ConversationID: "c1", MessageID: "m1", Emoji: "🔥", UserID: "u1", Action: action,
		})
	}
	m, _ := h.store.Message("c1", "m1")
	assert.Empty(t, m.Reactions)
}

func TestPin_DeferredUntilAck(t *testing.T) {
	h := newHarness(t, "u1")
	h.withAccepted(t, "c1")

	msg, err := h.store.SendMessage("c1", "pin me", "", nil, "")
	require.NoError(t, err)
	require.NoError(t, h.store.PinMessage("c1", msg.ID))
	assert.Empty(t, h.sender.ofType(transport.TypeMsgPin))
	assert.Equal(t, []string{msg.ClientMessageID}, h.store.Pins("c1"))

	h.hub.push(t, transport.TypeMsgAck, "", &transport.MsgAckData{
		ConversationID:  "c1",
		ClientMessageID: msg.ClientMessageID,
		ServerMessageID: "m9",
		CreatedAtServer: epoch.Add(9 * time.Second),
	})

	assert.Equal(t, []string{"m9"}, h.store.Pins("c1"))
	var data transport.MsgPinData
	require.NoError(t, h.sender.last(t, transport.TypeMsgPin).Decode(&data))
	assert.Equal(t, "m9", data.MessageID)
}

func TestPin_CancelledBeforeAck(t *testing.T) {
	h := newHarness(t, "u1")
	h.withAccepted(t, "c1")

	msg, err := h.store.SendMessage("c1", "pin me", "", nil, "")
	require.NoError(t, err)
	require.NoError(t, h.store.PinMessage("c1", msg.ID))
	require.NoError(t, h.store.UnpinMessage("c1", msg.ID))

	h.hub.push(t, transport.TypeMsgAck, "", &transport.MsgAckData{
		ConversationID: "c1", ClientMessageID: msg.ClientMessageID, ServerMessageID: "m9",
	})
	assert.Empty(t, h.store.Pins("c1"))
	assert.Empty(t, h.sender.ofType(transport.TypeMsgPin))
	assert.Empty(t, h.sender.ofType(transport.TypeMsgUnpin))
}

func TestPin_Idempotent(t *testing.T) {
	h := newHarness(t, "u1")
	h.withAccepted(t, "c1")

	require.NoError(t, h.store.PinMessage("c1", "m1"))
	require.NoError(t, h.store.PinMessage("c1", "m1"))
	assert.Len(t, h.sender.ofType(transport.TypeMsgPin), 1)
	assert.Equal(t, []string{"m1"}, h.store.Pins("c1"))

	// server broadcast of our own pin changes nothing
	h.hub.push(t, transport.TypeMsgPinned, "", &transport.MsgPinData{ConversationID: "c1", MessageID: "m1", PinnedBy: "u1"})
	assert.Equal(t, []string{"m1"}, h.store.Pins("c1"))

	require.NoError(t, h.store.UnpinMessage("c1", "m1"))
	require.NoError(t, h.store.UnpinMessage("c1", "m1"))
	assert.Len(t, h.sender.ofType(transport.TypeMsgUnpin), 1)
	assert.Empty(t, h.store.Pins("c1"))
}

func TestMarkRead(t *testing.T) {
	h := newHarness(t, "u1")
	h.withAccepted(t, "c1")
	ctx := context.Background()
	h.hub.push(t, transport.TypeMsgNew, "", &transport.MsgNewData{Message: serverMsg("c1", "m1", "peer", "a", 1)})
	h.hub.push(t, transport.TypeMsgNew, "", &transport.MsgNewData{Message: serverMsg("c1", "m2", "peer", "b", 2)})

	c, _ := h.store.Conversation("c1")
	assert.Equal(t, 2, c.UnreadCount)

	require.NoError(t, h.store.MarkRead(ctx, "c1", ""))
	c, _ = h.store.Conversation("c1")
	assert.Equal(t, 0, c.UnreadCount)
	assert.Equal(t, "m2", h.store.LastRead("c1"))

	var data transport.MsgReadData
	require.NoError(t, h.sender.last(t, transport.TypeMsgRead).Decode(&data))
	assert.Equal(t, "m2", data.LastReadMessageID)

	st, err := h.state.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m2", st.LastRead["c1"])

	// nothing to read in an empty conversation
	h.sender.reset()
	require.NoError(t, h.store.MarkRead(ctx, "c-empty", ""))
	assert.Empty(t, h.sender.ofType(transport.TypeMsgRead))
}

func typingFlags(t *testing.T, frames []*transport.Frame) []bool {
	t.Helper()
	out := make([]bool, len(frames))
	for i, f := range frames {
		var data transport.TypingData
		require.NoError(t, f.Decode(&data))
		out[i] = data.IsTyping
	}
	return out
}

func TestTyping_LocalIdleStop(t *testing.T) {
	h := newHarness(t, "u1")
	h.withAccepted(t, "c1")

	h.store.NotifyTyping("c1")
	h.clock.Advance(500 * time.Millisecond)
	h.store.NotifyTyping("c1")
	h.clock.Advance(500 * time.Millisecond)
	assert.Equal(t, []bool{true}, typingFlags(t, h.sender.ofType(transport.TypeTyping)))

	h.clock.Advance(600 * time.Millisecond)
	assert.Equal(t, []bool{true, false}, typingFlags(t, h.sender.ofType(transport.TypeTyping)))

	// sending stops typing right away
	h.store.NotifyTyping("c1")
	_, err := h.store.SendMessage("c1", "done", "", nil, "")
	require.NoError(t, err)
	h.clock.Advance(2 * time.Second)
	assert.Equal(t, []bool{true, false, true, false}, typingFlags(t, h.sender.ofType(transport.TypeTyping)))
}

func TestUploadFile(t *testing.T) {
	h := newHarness(t, "u1")
	att, err := h.store.UploadFile(context.Background(), "a.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, "f1", att.FileID)
	assert.Equal(t, int64(5), att.Size)

	_, err = h.store.UploadFile(context.Background(), "", strings.NewReader("x"))
	assert.ErrorIs(t, err, errcode.ErrInvalidParam)
}
