package math

// FeeBreakdown is the result of splitting a gross deposit into fees and net.
type FeeBreakdown struct {
	ProtocolFee int64
	ReferralFee int64
	Net         int64
}

// ComputeFees splits a gross deposit amount into protocol fee, referral fee,
// and the net amount credited to the depositor's tranche. Both fees are
// disjoint basis-point fractions of the gross amount, truncated. Without a
// designated referrer the referral fee is zero and stays in the net.
func ComputeFees(gross, protocolFeeBps, referralFeeBps int64, hasReferrer bool) FeeBreakdown {
	fee := BpsOf(gross, protocolFeeBps)

	var refFee int64
	if hasReferrer {
		refFee = BpsOf(gross, referralFeeBps)
	}

	return FeeBreakdown{
		ProtocolFee: fee,
		ReferralFee: refFee,
		Net:         gross - fee - refFee,
	}
}
