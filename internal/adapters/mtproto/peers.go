package mtproto

import (
	"sync"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
)

// channelPrefix строит chat_id каналов и супергрупп в нотации Bot API: -100<channel_id>.
const channelPrefix int64 = -1000000000000

// errUnknownPeer — получатель ни разу не встречался в апдейтах, access_hash неизвестен.
var errUnknownPeer = errors.New("peer not seen in updates")

// peerCache хранит access_hash пользователей и каналов из entities апдейтов.
// Бот может писать только тем, кто уже написал ему, поэтому сетевой резолв не нужен.
type peerCache struct {
	mu       sync.RWMutex
	users    map[int64]int64
	channels map[int64]int64
}

func newPeerCache() *peerCache {
	return &peerCache{
		users:    make(map[int64]int64),
		channels: make(map[int64]int64),
	}
}

// remember сохраняет хэши из entities апдейта.
func (c *peerCache) remember(e tg.Entities) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, u := range e.Users {
		if u != nil && u.AccessHash != 0 {
			c.users[id] = u.AccessHash
		}
	}
	for id, ch := range e.Channels {
		if ch != nil && ch.AccessHash != 0 {
			c.channels[id] = ch.AccessHash
		}
	}
}

// inputPeer восстанавливает InputPeer по chat_id в нотации Bot API.
func (c *peerCache) inputPeer(chatID int64) (tg.InputPeerClass, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case chatID > 0:
		hash, ok := c.users[chatID]
		if !ok {
			return nil, errors.Wrapf(errUnknownPeer, "user %d", chatID)
		}
		return &tg.InputPeerUser{UserID: chatID, AccessHash: hash}, nil
	case chatID < channelPrefix:
		id := channelPrefix - chatID
		hash, ok := c.channels[id]
		if !ok {
			return nil, errors.Wrapf(errUnknownPeer, "channel %d", id)
		}
		return &tg.InputPeerChannel{ChannelID: id, AccessHash: hash}, nil
	case chatID < 0:
		return &tg.InputPeerChat{ChatID: -chatID}, nil
	default:
		return nil, errors.New("zero chat id")
	}
}

// chatID переводит tg.PeerClass в chat_id нотации Bot API.
func chatID(p tg.PeerClass) int64 {
	switch peer := p.(type) {
	case *tg.PeerUser:
		return peer.UserID
	case *tg.PeerChat:
		return -peer.ChatID
	case *tg.PeerChannel:
		return channelPrefix - peer.ChannelID
	default:
		return 0
	}
}

// isChannel — chat_id принадлежит каналу или супергруппе.
func isChannel(chatID int64) bool { return chatID < channelPrefix }
