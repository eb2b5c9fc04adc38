package posts

import (
	"github.com/R3E-Network/engagement_layer/internal/app/domain/ledger"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/post"
)

// Policy prices post creation and rewards comments.
type Policy struct {
	IndividualCost int64
	GroupCost      int64
	CommentReward  int64
}

// DefaultPolicy returns the stock price table.
func DefaultPolicy() Policy {
	return Policy{IndividualCost: 20, GroupCost: 50, CommentReward: 2}
}

// Cost returns the price and ledger reason for a kind.
func (p Policy) Cost(kind post.Kind) (int64, ledger.ReasonCode) {
	if kind == post.KindGroup {
		return p.GroupCost, ledger.ReasonSpendGroupPost
	}
	return p.IndividualCost, ledger.ReasonSpendPost
}
