package core

// ChooseSurvivingSubscription picks the subscription that survives a profile
// merge: active beats inactive, otherwise the later expiry wins with a nil
// expiry counting as never expiring. Ties keep the primary.
func ChooseSurvivingSubscription(primary, secondary *SubscriptionState) (*SubscriptionState, bool) {
	switch {
	case primary == nil && secondary == nil:
		return nil, false
	case primary == nil:
		return cloneSubscription(secondary), true
	case secondary == nil:
		return cloneSubscription(primary), false
	}
	if primary.Active != secondary.Active {
		if secondary.Active {
			return cloneSubscription(secondary), true
		}
		return cloneSubscription(primary), false
	}
	if expiresLater(secondary.ExpiresAt, primary.ExpiresAt) {
		return cloneSubscription(secondary), true
	}
	return cloneSubscription(primary), false
}

// MergeSubscriptions returns the state each profile holds after a merge.
// The secondary result is nil when the secondary had no subscription.
func MergeSubscriptions(primary, secondary *SubscriptionState) (*SubscriptionState, *SubscriptionState) {
	survivor, _ := ChooseSurvivingSubscription(primary, secondary)
	if secondary == nil {
		return survivor, nil
	}
	loser := cloneSubscription(secondary)
	loser.Status = SubscriptionStatusMerged
	loser.Active = false
	return survivor, loser
}

func expiresLater(candidate, current *int64) bool {
	switch {
	case candidate == nil && current == nil:
		return false
	case candidate == nil:
		return true
	case current == nil:
		return false
	default:
		return *candidate > *current
	}
}
