package swap

import (
	"strings"
	"time"
)

// waitingStaleAge is how long a leg-1 order can sit in a waiting-for-deposit
// status before it is treated as abandoned and expired.
const waitingStaleAge = 2 * time.Hour

var refundedTokens = []string{"refund", "returned", "sent back", "reimburs"}

var expiredTokens = []string{"expired", "cancel", "timeout", "timed out", "unpaid"}

var waitingTokens = []string{"waiting", "unpaid", "no payment", "await", "new", "pending", "confirming", ""}

var finishedTokens = []string{"finished", "completed", "done", "success"}

var failedTokens = []string{"error", "failed", "failure"}

func containsAny(status string, tokens []string) bool {
	s := strings.ToLower(strings.TrimSpace(status))
	for _, tok := range tokens {
		if tok == "" {
			if s == "" {
				return true
			}
			continue
		}
		if strings.Contains(s, tok) {
			return true
		}
	}
	return false
}

func isRefundedStatus(status string) bool { return containsAny(status, refundedTokens) }
func isExpiredStatus(status string) bool  { return containsAny(status, expiredTokens) }
func isWaitingStatus(status string) bool  { return containsAny(status, waitingTokens) }
func isFinishedStatus(status string) bool { return containsAny(status, finishedTokens) }
func isFailedStatus(status string) bool   { return containsAny(status, failedTokens) }
