package rewards

const (
	operationCreate      = "create"
	operationFindPending = "find_pending"
	operationClaim       = "claim"
	operationSelect      = "select_credits"
	operationConfirm     = "confirm"
	operationComplete    = "complete"
	operationVoid        = "void"
	operationEarn        = "earn"
	operationSpend       = "spend"
	operationRestore     = "restore"
	operationSettle      = "settle"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	paymentCodeLength  = 6
	customerCodeLength = 6
	laneTokenLength    = 4

	paymentCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	customerCodeDigits  = "0123456789"

	// Basis points: 10000 == 100%.
	basisPointsWhole = 10000

	descriptionCreditsApplied  = "credits applied to purchase"
	descriptionCashbackEarned  = "cashback earned on purchase"
	descriptionCreditsRestored = "credits restored on void"
	descriptionExpiredRestore  = "credits restored on expiry"
)
