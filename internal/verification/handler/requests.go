package handler

import (
	"strings"

	dErrors "rentkyc/pkg/domain-errors"
)

const (
	maxSubjectIDLength     = 32
	maxCorrelationIDLength = 128
	maxCodeLength          = 16
)

// StartRequest is the body of POST /verification/start.
type StartRequest struct {
	SubjectID string `json:"subjectId"`
}

// DecodeErrorCode implements httputil.DecodeCoder. A start body that cannot
// be read yields no usable subject.
func (r *StartRequest) DecodeErrorCode() dErrors.Code {
	return dErrors.CodeInvalidSubject
}

// Validate implements httputil.Validatable.
func (r *StartRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeInvalidSubject, "subjectId is required")
	}
	r.SubjectID = strings.TrimSpace(r.SubjectID)
	if r.SubjectID == "" {
		return dErrors.New(dErrors.CodeInvalidSubject, "subjectId is required")
	}
	if len(r.SubjectID) > maxSubjectIDLength {
		return dErrors.New(dErrors.CodeInvalidSubject, "subject id must be 12 digits")
	}
	return nil
}

// ResendRequest is the body of POST /verification/resend.
type ResendRequest struct {
	CorrelationID string `json:"correlationId"`
}

func (r *ResendRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.CorrelationID = strings.TrimSpace(r.CorrelationID)
	return validateCorrelationID(r.CorrelationID)
}

// SubmitRequest is the body of POST /verification/submit.
type SubmitRequest struct {
	CorrelationID string `json:"correlationId"`
	Code          string `json:"code"`
}

func (r *SubmitRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.CorrelationID = strings.TrimSpace(r.CorrelationID)
	r.Code = strings.TrimSpace(r.Code)
	if err := validateCorrelationID(r.CorrelationID); err != nil {
		return err
	}
	if r.Code == "" {
		return dErrors.New(dErrors.CodeInvalidCode, "code is required")
	}
	if len(r.Code) > maxCodeLength {
		return dErrors.New(dErrors.CodeInvalidCode, "code must be 6 digits")
	}
	return nil
}

func validateCorrelationID(id string) error {
	if id == "" {
		return dErrors.New(dErrors.CodeBadRequest, "correlationId is required")
	}
	if len(id) > maxCorrelationIDLength {
		return dErrors.New(dErrors.CodeBadRequest, "correlationId is too long")
	}
	return nil
}
