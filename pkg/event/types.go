package event

// Kind は通知の種類を表す。
// 記事ワークフローやお問い合わせフォームなどの発行元が設定する。
type Kind string

const (
	// KindArticleSubmitted は記事がレビューのために提出されたことを表す。
	KindArticleSubmitted Kind = "article_submitted"
	// KindArticleApproved は記事が承認されたことを表す。
	KindArticleApproved Kind = "article_approved"
	// KindArticleRejected は記事が却下されたことを表す。
	KindArticleRejected Kind = "article_rejected"
	// KindArticlePublished は記事が公開されたことを表す。
	KindArticlePublished Kind = "article_published"
	// KindCommentAdded は記事にコメントが追加されたことを表す。
	KindCommentAdded Kind = "comment_added"
	// KindUserRegistered は新規ユーザーが登録されたことを表す。
	KindUserRegistered Kind = "user_registered"
	// KindContactReceived はお問い合わせフォームからの連絡を受信したことを表す。
	KindContactReceived Kind = "contact_received"
	// KindSystem はシステム通知を表す。
	KindSystem Kind = "system"
)

// validKinds は定義済みの通知種類の集合。
var validKinds = map[Kind]struct{}{
	KindArticleSubmitted: {},
	KindArticleApproved:  {},
	KindArticleRejected:  {},
	KindArticlePublished: {},
	KindCommentAdded:     {},
	KindUserRegistered:   {},
	KindContactReceived:  {},
	KindSystem:           {},
}

// Valid はkが定義済みの通知種類かどうかを返す。
func (k Kind) Valid() bool {
	_, ok := validKinds[k]
	return ok
}
