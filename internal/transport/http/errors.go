package http

import (
	stderrors "errors"

	apierrors "tradepulse/internal/errors"

	"tradepulse/internal/artifact"
	"tradepulse/internal/chat"
	"tradepulse/internal/services"
	"tradepulse/internal/task"
)

// mapDomainError translates sentinel errors from the domain packages
// into API errors. Anything unrecognized passes through unchanged and
// ends up as a 500.
func mapDomainError(err error) error {
	switch {
	case stderrors.Is(err, task.ErrInvalidTicker):
		return apierrors.NewWithDetails(apierrors.ErrInvalidTicker.StatusCode,
			apierrors.ErrInvalidTicker.ErrorCode, err.Error(), nil)
	case stderrors.Is(err, task.ErrNotFound):
		return apierrors.ErrTaskNotFound
	case stderrors.Is(err, task.ErrCapacityExceeded):
		return apierrors.ErrCapacityFull
	case stderrors.Is(err, services.ErrNotFinished):
		return apierrors.ErrTaskNotFinished
	case stderrors.Is(err, artifact.ErrNotReady):
		return apierrors.ErrArtifactNotReady
	case stderrors.Is(err, artifact.ErrRunNotFound):
		return apierrors.ErrArchiveNotFound
	case stderrors.Is(err, chat.ErrBusy):
		return apierrors.ErrConversationBusy
	case stderrors.Is(err, chat.ErrNotFound):
		return apierrors.ErrConversationNotFound
	default:
		return err
	}
}
