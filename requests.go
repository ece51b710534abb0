package directmsg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// NextStatus applies action to a request in state current.
//
//	none    -(create)->  pending
//	pending -(accept)->  accepted
//	pending -(decline)-> declined
//
// accepted and declined are terminal. Create is not an action here; it is
// only valid from StatusNone and is modelled by RequestService.Create.
func NextStatus(current RequestStatus, action RequestAction) (RequestStatus, error) {
	switch current {
	case StatusPending:
		switch action {
		case ActionAccept:
			return StatusAccepted, nil
		case ActionDecline:
			return StatusDeclined, nil
		}
		return current, validationError(fmt.Sprintf("unknown action %q", action))
	case StatusAccepted, StatusDeclined:
		return current, &Error{
			Kind:    KindConflict,
			Code:    CodeRequestResolved,
			Message: fmt.Sprintf("request already %s", current),
			Status:  current,
		}
	default:
		return current, &Error{
			Kind:    KindNotFound,
			Code:    CodeNotFound,
			Message: "no request to respond to",
			Status:  StatusNone,
		}
	}
}

// RequestService performs the message request operations.
type RequestService struct {
	gateway Gateway
	logger  *slog.Logger
}

// NewRequestService creates a RequestService over gateway.
func NewRequestService(gateway Gateway, logger *slog.Logger) *RequestService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestService{gateway: gateway, logger: logger.With("component", "requests")}
}

// Create sends a message request to receiverID. Empty content fails with
// KindValidation without a network call. An existing pending request or
// conversation fails with KindConflict; use StatusFromError to recover.
func (s *RequestService) Create(ctx context.Context, receiverID, content string) (*MessageRequest, error) {
	if receiverID == "" {
		return nil, validationError("receiver is required")
	}
	if blank(content) {
		return nil, validationError("message content is required")
	}
	req, err := s.gateway.CreateRequest(ctx, receiverID, strings.TrimSpace(content))
	if err != nil {
		s.logger.Info("create request failed", "receiver_id", receiverID, "error", err)
		return nil, err
	}
	return req, nil
}

// Respond accepts or declines a pending request. Accepting is the only
// path that creates or reuses a conversation.
func (s *RequestService) Respond(ctx context.Context, requestID string, action RequestAction) (*RespondResult, error) {
	if requestID == "" {
		return nil, validationError("request id is required")
	}
	if action != ActionAccept && action != ActionDecline {
		return nil, validationError(fmt.Sprintf("unknown action %q", action))
	}
	res, err := s.gateway.RespondRequest(ctx, requestID, action)
	if err != nil {
		s.logger.Info("respond request failed", "request_id", requestID, "action", action, "error", err)
		return nil, err
	}
	return res, nil
}

// Status returns the request status between the current user and
// receiverID.
func (s *RequestService) Status(ctx context.Context, receiverID string) (*RequestStatusResult, error) {
	if receiverID == "" {
		return nil, validationError("receiver is required")
	}
	return s.gateway.CheckRequestStatus(ctx, receiverID)
}

// List returns pending requests addressed to the current user.
func (s *RequestService) List(ctx context.Context) ([]MessageRequest, error) {
	return s.gateway.ListRequests(ctx)
}

// StatusFromError re-derives the request status from an expected
// conflict. ok is false for any other error.
func StatusFromError(err error) (res RequestStatusResult, ok bool) {
	var dmErr *Error
	if !errors.As(err, &dmErr) || dmErr.Kind != KindConflict {
		return res, false
	}
	switch dmErr.Code {
	case CodeRequestPending:
		return RequestStatusResult{Status: StatusPending}, true
	case CodeConversationExists:
		return RequestStatusResult{Status: StatusAccepted, ConversationID: dmErr.ConversationID}, true
	case CodeRequestResolved:
		st := dmErr.Status
		if st == "" {
			st = StatusAccepted
		}
		return RequestStatusResult{Status: st, ConversationID: dmErr.ConversationID}, true
	}
	return res, false
}

// ============================================================================
// Message action
// ============================================================================

// ContactAction is what the "Message" affordance on a profile should do.
type ContactAction int

const (
	// ActionCompose opens the request composer.
	ActionCompose ContactAction = iota
	// ActionShowPending shows that a request is awaiting a response.
	ActionShowPending
	// ActionOpenConversation navigates to the existing conversation.
	ActionOpenConversation
)

func (a ContactAction) String() string {
	switch a {
	case ActionShowPending:
		return "pending"
	case ActionOpenConversation:
		return "open"
	default:
		return "compose"
	}
}

// ActionFor maps a status projection to a ContactAction. A declined request
// allows a new one.
func ActionFor(st RequestStatusResult) ContactAction {
	switch st.Status {
	case StatusPending:
		return ActionShowPending
	case StatusAccepted:
		return ActionOpenConversation
	default:
		return ActionCompose
	}
}
