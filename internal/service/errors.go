package service

import "messenger/internal/apperr"

// Shared user-facing error values. Handlers map these onto HTTP statuses and
// the response envelope through apperr.
var (
	ErrUsernameTaken        = apperr.Conflict("username_taken", "username taken")
	ErrInvalidCredentials   = apperr.Unauthorized("invalid_credentials", "invalid credentials")
	ErrConversationNotFound = apperr.NotFound("conversation_not_found", "conversation not found")
	ErrParticipantNotFound  = apperr.NotFound("participant_not_found", "participant not found")
	ErrUserNotFound         = apperr.NotFound("user_not_found", "user not found")
	ErrMessageNotFound      = apperr.NotFound("message_not_found", "message not found")
	ErrNotParticipant       = apperr.Forbidden("not_participant", "you are not a participant of this conversation")
	ErrNotAdmin             = apperr.Forbidden("not_admin", "admin privileges required")
	ErrNotGroup             = apperr.Validation("not_group", "operation only valid for group conversations")
	ErrLastAdmin            = apperr.Conflict("last_admin", "cannot demote the last admin. Promote another member first")
	ErrAlreadyParticipant   = apperr.Conflict("already_participant", "user is already a participant")
	ErrGroupFull            = apperr.Conflict("group_full", "group participant limit reached")
)
