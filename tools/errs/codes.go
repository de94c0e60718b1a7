package errs

// 业务错误码
const (
	ServerInternalError = 500

	ArgsError         = 1001
	NoPermissionError = 1002

	AuthError         = 1101
	TokenExpiredError = 1102

	DuplicateHandleError = 1201

	PersistenceError           = 1301
	UnknownChannelError        = 1302
	MembershipUnavailableError = 1303

	DeliveryError  = 1401
	RateLimitError = 1501
)

var (
	ErrInternalServer        = NewCodeError(ServerInternalError, "ServerInternalError")
	ErrArgs                  = NewCodeError(ArgsError, "ArgsError")
	ErrNoPermission          = NewCodeError(NoPermissionError, "NoPermission")
	ErrAuth                  = NewCodeError(AuthError, "AuthError")
	ErrTokenExpired          = NewCodeError(TokenExpiredError, "TokenExpiredError")
	ErrDuplicateHandle       = NewCodeError(DuplicateHandleError, "DuplicateHandle")
	ErrPersistence           = NewCodeError(PersistenceError, "PersistenceError")
	ErrUnknownChannel        = NewCodeError(UnknownChannelError, "UnknownChannel")
	ErrMembershipUnavailable = NewCodeError(MembershipUnavailableError, "MembershipUnavailable")
	ErrDelivery              = NewCodeError(DeliveryError, "DeliveryError")
	ErrRateLimited           = NewCodeError(RateLimitError, "RateLimited")
)

func init() {
	_ = DefaultCodeRelation.Add(AuthError, TokenExpiredError)
	// 成员查询失败时消息已落库，归入存储类错误
	_ = DefaultCodeRelation.Add(PersistenceError, MembershipUnavailableError)
}
