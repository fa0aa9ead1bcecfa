package main

import "context"

// mergeAffiliateBonus moves any outstanding affiliate bonus into the spendable
// balance. The local merge is applied whatever the transfer call reports; the
// remote ledger catches up on the next read. confirmed is false when the
// remote side did not acknowledge the transfer.
//
// The returned error is non-nil only when the browser session was lost.
func mergeAffiliateBonus(ctx context.Context, sess Session, snap *UserSnapshot, logger Logger) (confirmed bool, err error) {
	if snap == nil || snap.AffQuota <= 0 {
		return true, nil
	}

	amount := snap.AffQuota
	logger.Log("Transferring affiliate bonus %.2f...", MicrosToUnits(amount))

	res := sess.TransferAffiliateQuota(ctx, amount)
	terr := checkMutation("affiliate transfer", res)

	snap.Quota += amount
	snap.AffQuota = 0

	if terr != nil {
		logger.Log("Affiliate transfer not confirmed: %v (balance merged locally: %.2f)", terr, snap.Balance())
		if res.Lost() {
			return false, res.Err
		}
		return false, nil
	}

	logger.Log("Affiliate transfer done, balance %.2f", snap.Balance())
	return true, nil
}
