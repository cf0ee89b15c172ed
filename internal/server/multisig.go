package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"milestonepay/internal/domain"
	"milestonepay/internal/engine/auth"
	"milestonepay/internal/multisig"
)

type multisigOutput struct {
	Body domain.MultisigTransaction `json:"body"`
}

type callHashPath struct {
	CallHash string `path:"call_hash" pattern:"^0x[0-9a-fA-F]{64}$"`
}

func (s *service) requireMultisig() huma.StatusError {
	if s.multisig == nil {
		return newAPIError(http.StatusServiceUnavailable, "multisig_not_configured", "no multisig signers are configured", nil)
	}
	return nil
}

func registerMultisig(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-multisig",
		Method:      http.MethodGet,
		Path:        "/multisig",
		Summary:     "Recorded multisig transactions",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"uninitiated,initiated,partially_approved,executed,cancelled"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body MultisigListResponse `json:"body"`
	}, error) {
		if err := s.requireMultisig(); err != nil {
			return nil, err
		}
		items, err := s.multisig.List(ctx, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MultisigListResponse `json:"body"`
		}{Body: MultisigListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "multisig-status",
		Method:      http.MethodGet,
		Path:        "/multisig/{call_hash}",
		Summary:     "Reconciled state of a multisig call",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *callHashPath) (*struct {
		Body multisig.StatusView `json:"body"`
	}, error) {
		if err := s.requireMultisig(); err != nil {
			return nil, err
		}
		view, err := s.multisig.Status(ctx, input.CallHash)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body multisig.StatusView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "initiate-multisig",
		Method:        http.MethodPost,
		Path:          "/multisig",
		Summary:       "Stage a batch payout as a multisig call",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body InitiateMultisigRequest `json:"body"`
	}) (*multisigOutput, error) {
		if err := s.requireMultisig(); err != nil {
			return nil, err
		}
		actor, authErr := s.authorize(ctx, statementCheck{
			intent:      domain.IntentInitiateMultisig,
			requirement: auth.GlobalOnly(),
		})
		if authErr != nil {
			return nil, authErr
		}
		set, err := input.Body.callSet()
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, string(multisig.KindInvalidCallSet), err.Error(), nil)
		}
		rec, err := s.multisig.Initiate(ctx, set, actor.Address)
		if err != nil {
			return nil, handleError(err)
		}
		return &multisigOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-multisig",
		Method:      http.MethodPost,
		Path:        "/multisig/{call_hash}/approve",
		Summary:     "Approve a staged multisig call",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *callHashPath) (*multisigOutput, error) {
		if err := s.requireMultisig(); err != nil {
			return nil, err
		}
		actor, authErr := s.authorize(ctx, statementCheck{
			intent:      domain.IntentApproveMultisig,
			params:      map[string]string{domain.ParamCallHash: input.CallHash},
			requirement: auth.GlobalOnly(),
		})
		if authErr != nil {
			return nil, authErr
		}
		rec, err := s.multisig.Approve(ctx, input.CallHash, actor.Address)
		if err != nil {
			return nil, handleError(err)
		}
		return &multisigOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-multisig",
		Method:      http.MethodPost,
		Path:        "/multisig/{call_hash}/cancel",
		Summary:     "Cancel a staged multisig call",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *callHashPath) (*multisigOutput, error) {
		if err := s.requireMultisig(); err != nil {
			return nil, err
		}
		actor, authErr := s.authorize(ctx, statementCheck{
			intent:      domain.IntentCancelMultisig,
			params:      map[string]string{domain.ParamCallHash: input.CallHash},
			requirement: auth.GlobalOnly(),
		})
		if authErr != nil {
			return nil, authErr
		}
		rec, err := s.multisig.Cancel(ctx, input.CallHash, actor.Address)
		if err != nil {
			return nil, handleError(err)
		}
		return &multisigOutput{Body: rec}, nil
	})
}
