package model

// ReferralStatus 推荐状态
type ReferralStatus string

const (
	ReferralStatusNone      ReferralStatus = "NONE"
	ReferralStatusPending   ReferralStatus = "PENDING"
	ReferralStatusCompleted ReferralStatus = "COMPLETED"
)

// 推荐状态只能单向流转：NONE -> PENDING -> COMPLETED
var ValidReferralTransitions = map[ReferralStatus][]ReferralStatus{
	ReferralStatusNone:    {ReferralStatusPending},
	ReferralStatusPending: {ReferralStatusCompleted},
}

func CanReferralTransitionTo(currentStatus, targetStatus ReferralStatus) bool {
	if currentStatus == "" {
		currentStatus = ReferralStatusNone
	}
	allowedStatuses, exists := ValidReferralTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}
