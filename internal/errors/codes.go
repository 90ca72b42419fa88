package errors

// 通用错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodePublishFailure        Code = "PUBLISH_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// 工具调用生命周期相关的错误码。
const (
	// CodeValidation 表示工具参数未通过 schema 校验，调用直接取消。
	CodeValidation Code = "VALIDATION_ERROR"
	// CodeUserDenied 表示用户在确认环节拒绝了操作。
	CodeUserDenied Code = "USER_DENIED"
	// CodeWalletRejected 表示钱包侧拒绝签名。
	CodeWalletRejected Code = "WALLET_REJECTED"
	// CodeConfirmationUnavailable 表示确认请求没能送达用户。
	CodeConfirmationUnavailable Code = "CONFIRMATION_UNAVAILABLE"
	// CodeExecutionFailure 表示工具执行失败，失败信息写入结果载荷。
	CodeExecutionFailure Code = "EXECUTION_FAILURE"
	// CodeBackend 表示模型后端不可用，当前轮次终止。
	CodeBackend Code = "BACKEND_ERROR"

	CodeToolNotFound         Code = "TOOL_NOT_FOUND"
	CodeToolInProgress       Code = "TOOL_IN_PROGRESS"
	CodeDuplicateInvocation  Code = "DUPLICATE_INVOCATION"
	CodeInvalidTransition    Code = "INVALID_TRANSITION"
	CodeConversationNotFound Code = "CONVERSATION_NOT_FOUND"
	CodeInvocationNotFound   Code = "INVOCATION_NOT_FOUND"
	CodeRegistryFrozen       Code = "REGISTRY_FROZEN"
)

func init() {
	for code, attr := range map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Alert: true},
		CodePublishFailure:        {Message: "event publish failure", Severity: SeverityWarning},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Alert: true},

		CodeValidation:              {Message: "tool arguments failed validation", Severity: SeverityInfo},
		CodeUserDenied:              {Message: "user denied the action", Severity: SeverityInfo},
		CodeWalletRejected:          {Message: "wallet rejected the signature request", Severity: SeverityInfo},
		CodeConfirmationUnavailable: {Message: "confirmation could not be presented", Severity: SeverityWarning, Alert: true},
		CodeExecutionFailure:        {Message: "tool execution failed", Severity: SeverityWarning, Alert: true},
		CodeBackend:                 {Message: "model backend error", Severity: SeverityCritical, Alert: true},

		CodeToolNotFound:         {Message: "tool not registered", Severity: SeverityInfo},
		CodeToolInProgress:       {Message: "a tool invocation is still in progress", Severity: SeverityInfo},
		CodeDuplicateInvocation:  {Message: "invocation id already dispatched", Severity: SeverityWarning},
		CodeInvalidTransition:    {Message: "invalid invocation state transition", Severity: SeverityWarning},
		CodeConversationNotFound: {Message: "conversation not found", Severity: SeverityInfo},
		CodeInvocationNotFound:   {Message: "invocation not found", Severity: SeverityInfo},
		CodeRegistryFrozen:       {Message: "tool registry is frozen", Severity: SeverityWarning},
	} {
		Register(code, attr)
	}
}
