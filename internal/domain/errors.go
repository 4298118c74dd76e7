package domain

import "errors"

// ErrorCode identifies a class of expected, user-facing failure.
type ErrorCode string

const (
	CodeInvalidNonce      ErrorCode = "invalid_nonce"
	CodeInvalidSignature  ErrorCode = "invalid_signature"
	CodeMalformedMessage  ErrorCode = "malformed_message"
	CodeExpiredMessage    ErrorCode = "expired_message"
	CodeInvalidDomain     ErrorCode = "invalid_domain"
	CodeInvalidSession    ErrorCode = "invalid_session"
	CodeNotAMember        ErrorCode = "not_a_member"
	CodeForbidden         ErrorCode = "forbidden"
	CodeAlreadyMember     ErrorCode = "already_member"
	CodeMemberNotFound    ErrorCode = "member_not_found"
	CodeTeamNotFound      ErrorCode = "team_not_found"
	CodeInvalidAddress    ErrorCode = "invalid_address"
	CodeInvalidTeamName   ErrorCode = "invalid_team_name"
	CodeInvalidAvatarURL  ErrorCode = "invalid_avatar_url"
	CodeInvalidMemberRole ErrorCode = "invalid_member_action"
)

// Error is a domain failure returned as a value. Two errors match under
// errors.Is when their codes are equal, regardless of message.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches errors by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithMessage returns a copy of e carrying a more specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg}
}

// AsError extracts a domain error from err.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// IsProtocol reports whether err is a challenge protocol failure that voids the in-flight nonce.
func IsProtocol(err error) bool {
	de, ok := AsError(err)
	if !ok {
		return false
	}
	switch de.Code {
	case CodeInvalidNonce, CodeInvalidSignature, CodeMalformedMessage, CodeExpiredMessage, CodeInvalidDomain:
		return true
	}
	return false
}

var (
	ErrInvalidNonce      = &Error{Code: CodeInvalidNonce, Message: "Invalid nonce."}
	ErrInvalidSignature  = &Error{Code: CodeInvalidSignature, Message: "Invalid signature."}
	ErrMalformedMessage  = &Error{Code: CodeMalformedMessage, Message: "Malformed sign-in message."}
	ErrExpiredMessage    = &Error{Code: CodeExpiredMessage, Message: "Sign-in message has expired or is not yet valid."}
	ErrInvalidDomain     = &Error{Code: CodeInvalidDomain, Message: "Sign-in message domain is not allowed."}
	ErrInvalidSession    = &Error{Code: CodeInvalidSession, Message: "Not authenticated."}
	ErrNotAMember        = &Error{Code: CodeNotAMember, Message: "You are not a member of this team."}
	ErrForbidden         = &Error{Code: CodeForbidden, Message: "You don't have permission to perform this action."}
	ErrAlreadyMember     = &Error{Code: CodeAlreadyMember, Message: "User is already a member of this team."}
	ErrMemberNotFound    = &Error{Code: CodeMemberNotFound, Message: "User not found."}
	ErrTeamNotFound      = &Error{Code: CodeTeamNotFound, Message: "Team not found."}
	ErrInvalidAddress    = &Error{Code: CodeInvalidAddress, Message: "Invalid address."}
	ErrInvalidTeamName   = &Error{Code: CodeInvalidTeamName, Message: "Team name must be between 1 and 255 characters."}
	ErrInvalidAvatarURL  = &Error{Code: CodeInvalidAvatarURL, Message: "Avatar URL must be an absolute http(s) URL."}
	ErrInvalidMemberRole = &Error{Code: CodeInvalidMemberRole, Message: "Unknown member action."}
)
