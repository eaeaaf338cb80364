package inspect

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/shaiso/Fanout/internal/domain"
)

// Canonical возвращает каноническую форму дескриптора.
//
//	channel:durov
//	invite:AAAAAEHbEkejzxUjAUCfYg
//	post:durov/42
//	story:durov/7
//	bot:somebot?start=ref1
func Canonical(d domain.LinkDescriptor) string {
	peer := strings.ToLower(strings.TrimPrefix(d.Username, "@"))
	if peer == "" {
		peer = d.Hash
	}

	var b strings.Builder
	b.WriteString(string(d.Kind))
	b.WriteByte(':')
	b.WriteString(peer)

	switch d.Kind {
	case domain.LinkKindPost:
		b.WriteByte('/')
		b.WriteString(strconv.FormatInt(d.PostID, 10))
	case domain.LinkKindStory:
		b.WriteByte('/')
		b.WriteString(strconv.FormatInt(d.StoryID, 10))
	case domain.LinkKindBot:
		if d.StartParam != "" {
			b.WriteString("?start=")
			b.WriteString(d.StartParam)
		}
	}
	return b.String()
}

// LinkHash возвращает hex первых 16 байт blake3 от канонической формы.
func LinkHash(d domain.LinkDescriptor) string {
	sum := blake3.Sum256([]byte(Canonical(d)))
	return hex.EncodeToString(sum[:16])
}

// ChannelHash — хэш канала без адресации поста. Состояние подписки
// хранится по каналу, даже если задача адресует пост.
func ChannelHash(d domain.LinkDescriptor) string {
	if d.Kind == domain.LinkKindPost {
		d.Kind = domain.LinkKindChannel
		d.PostID = 0
	}
	return LinkHash(d)
}

// HashFor возвращает хэш ссылки для действия.
func HashFor(action domain.Action, d domain.LinkDescriptor) string {
	if action.IsStateful() || action == domain.ActionJoin {
		return ChannelHash(d)
	}
	return LinkHash(d)
}
