package mtproto

import (
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/require"

	"jmcomic-bot/internal/domain/chat"
	"jmcomic-bot/internal/infra/throttle"
)

func TestPeerCache(t *testing.T) {
	t.Parallel()

	c := newPeerCache()
	c.remember(tg.Entities{
		Users:    map[int64]*tg.User{7: {ID: 7, AccessHash: 70}},
		Channels: map[int64]*tg.Channel{55: {ID: 55, AccessHash: 550}},
	})

	cases := []struct {
		name    string
		chatID  int64
		want    tg.InputPeerClass
		wantErr bool
	}{
		{name: "user", chatID: 7, want: &tg.InputPeerUser{UserID: 7, AccessHash: 70}},
		{name: "basicGroup", chatID: -42, want: &tg.InputPeerChat{ChatID: 42}},
		{name: "channel", chatID: channelPrefix - 55, want: &tg.InputPeerChannel{ChannelID: 55, AccessHash: 550}},
		{name: "unknownUser", chatID: 8, wantErr: true},
		{name: "unknownChannel", chatID: channelPrefix - 56, wantErr: true},
		{name: "zero", chatID: 0, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := c.inputPeer(tc.chatID)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestChatIDRoundTrip(t *testing.T) {
	t.Parallel()

	require.Equal(t, int64(7), chatID(&tg.PeerUser{UserID: 7}))
	require.Equal(t, int64(-42), chatID(&tg.PeerChat{ChatID: 42}))
	require.Equal(t, int64(-1000000000055), chatID(&tg.PeerChannel{ChannelID: 55}))
	require.True(t, isChannel(chatID(&tg.PeerChannel{ChannelID: 55})))
	require.False(t, isChannel(-42))
}

func TestMessageUpdate(t *testing.T) {
	t.Parallel()

	u, ok := messageUpdate(&tg.Message{ID: 3, Message: "/start", PeerID: &tg.PeerUser{UserID: 7}})
	require.True(t, ok)
	require.Equal(t, chat.Update{ChatID: 7, UserID: 7, MessageID: 3, Text: "/start"}, u)

	group := &tg.Message{ID: 4, Message: "/help", PeerID: &tg.PeerChat{ChatID: 42}}
	group.SetFromID(&tg.PeerUser{UserID: 9})
	u, ok = messageUpdate(group)
	require.True(t, ok)
	require.Equal(t, int64(-42), u.ChatID)
	require.Equal(t, int64(9), u.UserID)

	_, ok = messageUpdate(&tg.Message{Out: true, PeerID: &tg.PeerUser{UserID: 7}})
	require.False(t, ok, "outgoing")
	_, ok = messageUpdate(&tg.MessageService{ID: 1})
	require.False(t, ok, "service")
}

func TestCallbackUpdate(t *testing.T) {
	t.Parallel()

	u := callbackUpdate(&tg.UpdateBotCallbackQuery{
		QueryID: 123456789012, UserID: 7, Peer: &tg.PeerUser{UserID: 7}, MsgID: 5, Data: []byte("download_1"),
	})
	require.Equal(t, chat.Update{
		ChatID: 7, UserID: 7, MessageID: 5, CallbackID: "123456789012", CallbackData: "download_1",
	}, u)
	require.True(t, u.IsCallback())
}

func TestReplyMarkup(t *testing.T) {
	t.Parallel()

	require.Nil(t, replyMarkup(chat.Markup{}))

	menu, ok := replyMarkup(chat.Markup{Menu: [][]string{{"a", "b"}}}).(*tg.ReplyKeyboardMarkup)
	require.True(t, ok)
	require.True(t, menu.Resize)
	require.Len(t, menu.Rows[0].Buttons, 2)

	inline, ok := replyMarkup(chat.Markup{Inline: [][]chat.Button{{{Text: "x", Data: "download_1"}}}}).(*tg.ReplyInlineMarkup)
	require.True(t, ok)
	btn, ok := inline.Rows[0].Buttons[0].(*tg.KeyboardButtonCallback)
	require.True(t, ok)
	require.Equal(t, []byte("download_1"), btn.Data)
}

func TestSentMessageID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		upd  tg.UpdatesClass
		want int
	}{
		{name: "short", upd: &tg.UpdateShortSentMessage{ID: 11}, want: 11},
		{
			name: "byRandomID",
			upd: &tg.Updates{Updates: []tg.UpdateClass{
				&tg.UpdateMessageID{ID: 20, RandomID: 1},
				&tg.UpdateMessageID{ID: 21, RandomID: 99},
			}},
			want: 21,
		},
		{
			name: "newMessageFallback",
			upd:  &tg.Updates{Updates: []tg.UpdateClass{&tg.UpdateNewMessage{Message: &tg.Message{ID: 30}}}},
			want: 30,
		},
		{name: "unknown", upd: &tg.UpdatesTooLong{}, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, sentMessageID(tc.upd, 99))
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	var stop throttle.StopRetryer
	require.True(t, errors.As(classify(tgerr.New(400, "PEER_ID_INVALID")), &stop))
	require.False(t, errors.As(classify(tgerr.New(500, "INTERNAL")), &stop))
	require.False(t, errors.As(classify(tgerr.New(420, "FLOOD_WAIT_3")), &stop))
	require.False(t, errors.As(classify(errors.New("eof")), &stop))
	require.NoError(t, classify(nil))

	require.True(t, isNotModified(errors.Wrap(tgerr.New(400, "MESSAGE_NOT_MODIFIED"), "edit")))
}

func TestFloodWaitExtractor(t *testing.T) {
	t.Parallel()

	extract := FloodWaitExtractor()
	wait, ok := extract(errors.Wrap(tgerr.New(420, "FLOOD_WAIT_3"), "send"))
	require.True(t, ok)
	require.GreaterOrEqual(t, wait, 3*time.Second)
	require.Less(t, wait, 3*time.Second+floodWaitJitterMax)

	_, ok = extract(errors.New("other"))
	require.False(t, ok)
}
