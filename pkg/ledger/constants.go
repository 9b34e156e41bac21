package ledger

const (
	operationCredit         = "credit"
	operationDebit          = "debit"
	operationOpenDeposit    = "open_deposit"
	operationConfirmDeposit = "confirm_deposit"
	operationFailDeposit    = "fail_deposit"
	operationAdjustAdmin    = "adjust_admin"
	operationLockWallet     = "lock_wallet"
	operationUnlockWallet   = "unlock_wallet"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	errorOperationService = "ledger"
	errorSubjectWallet    = "wallet"
	errorCodeLocked       = "locked"

	defaultListLimit     = 50
	maxListLimit         = 200
	defaultReconcileSize = 500
)
