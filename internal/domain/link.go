package domain

// LinkKind — тип ссылки по результату разбора.
type LinkKind string

const (
	LinkKindChannel LinkKind = "channel"
	LinkKindInvite  LinkKind = "invite"
	LinkKindPost    LinkKind = "post"
	LinkKindBot     LinkKind = "bot"
	LinkKindStory   LinkKind = "story"
	LinkKindUser    LinkKind = "user"
)

// LinkDescriptor — разобранная ссылка, полученная от внешнего Inspector.
type LinkDescriptor struct {
	Kind       LinkKind `json:"kind"`
	Username   string   `json:"username,omitempty"`
	Hash       string   `json:"hash,omitempty"`
	PostID     int64    `json:"post_id,omitempty"`
	StoryID    int64    `json:"story_id,omitempty"`
	StartParam string   `json:"start_param,omitempty"`
}

// WithPost возвращает копию дескриптора, адресующую конкретный пост.
func (d LinkDescriptor) WithPost(postID int64) LinkDescriptor {
	d.PostID = postID
	if d.Kind == LinkKindChannel {
		d.Kind = LinkKindPost
	}
	return d
}

// ChatMeta — метаданные чата, которые Inspector возвращает вместе с дескриптором.
type ChatMeta struct {
	ChatID      int64  `json:"chat_id"`
	Title       string `json:"title,omitempty"`
	IsBroadcast bool   `json:"is_broadcast"`
	Members     int    `json:"members,omitempty"`
}
