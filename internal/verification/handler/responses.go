package handler

import (
	"time"

	"rentkyc/internal/verification/models"
)

type StartResponse struct {
	CorrelationID string    `json:"correlationId"`
	MaskedContact string    `json:"maskedContact"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

type ResendResponse struct {
	MaskedContact    string `json:"maskedContact"`
	ResendsRemaining int    `json:"resendsRemaining"`
}

type SubmitResponse struct {
	IdentityAttributes IdentityAttributesResponse `json:"identityAttributes"`
}

type IdentityAttributesResponse struct {
	Name    string `json:"name"`
	DOB     string `json:"dob"`
	Gender  string `json:"gender"`
	Address string `json:"address"`
	Contact string `json:"contact"`
}

// StatusResponse lets a client re-derive its wizard step after a reload.
type StatusResponse struct {
	CorrelationID     string    `json:"correlationId"`
	State             string    `json:"state"`
	Step              string    `json:"step"`
	MaskedContact     string    `json:"maskedContact,omitempty"`
	AttemptsRemaining int       `json:"attemptsRemaining"`
	ResendsRemaining  int       `json:"resendsRemaining"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

// InvalidCodeResponse extends the error envelope with the attempts left.
type InvalidCodeResponse struct {
	Error             string `json:"error"`
	ErrorDescription  string `json:"error_description,omitempty"`
	AttemptsRemaining int    `json:"attemptsRemaining"`
}

func fromStartResult(res *models.StartResult) *StartResponse {
	return &StartResponse{
		CorrelationID: res.CorrelationID,
		MaskedContact: res.MaskedContact,
		ExpiresAt:     res.ExpiresAt.UTC(),
	}
}

func fromResendResult(res *models.ResendResult) *ResendResponse {
	return &ResendResponse{
		MaskedContact:    res.MaskedContact,
		ResendsRemaining: res.ResendsRemaining,
	}
}

func fromSubmitResult(res *models.SubmitResult) *SubmitResponse {
	attrs := res.IdentityAttributes
	return &SubmitResponse{
		IdentityAttributes: IdentityAttributesResponse{
			Name:    attrs.Name,
			DOB:     attrs.DOB,
			Gender:  attrs.Gender,
			Address: attrs.Address,
			Contact: attrs.Contact,
		},
	}
}

func fromStatusResult(res *models.StatusResult) *StatusResponse {
	return &StatusResponse{
		CorrelationID:     res.CorrelationID,
		State:             string(res.State),
		Step:              string(res.Step),
		MaskedContact:     res.MaskedContact,
		AttemptsRemaining: res.AttemptsRemaining,
		ResendsRemaining:  res.ResendsRemaining,
		ExpiresAt:         res.ExpiresAt.UTC(),
	}
}
