package ledger

import "strconv"

// RefundKey is the idempotency key of the compensating credit for a debit.
func RefundKey(debitEntryID int64) string {
	return "refund:" + strconv.FormatInt(debitEntryID, 10)
}

// LikeRewardKey makes a like reward payable once per (post, liker).
func LikeRewardKey(postID int64, likerID string) string {
	return "earn_like:" + strconv.FormatInt(postID, 10) + ":" + likerID
}

// CommentRewardKey makes a comment reward payable once per comment.
func CommentRewardKey(commentID int64) string {
	return "earn_comment:" + strconv.FormatInt(commentID, 10)
}
