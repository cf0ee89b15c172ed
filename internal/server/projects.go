package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"milestonepay/internal/domain"
	"milestonepay/internal/engine"
	"milestonepay/internal/engine/auth"
	"milestonepay/internal/money"
)

type projectPath struct {
	ProjectID string `path:"project_id"`
}

type projectOutput struct {
	Body ProjectResponse `json:"body"`
}

func registerProjects(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Project with team, payments and program week",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*projectOutput, error) {
		view, err := s.engine.ProjectView(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-team",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/team",
		Summary:     "Replace the team roster",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      UpdateTeamRequest `json:"body"`
	}) (*projectOutput, error) {
		actor, authErr := s.authorize(ctx, statementCheck{
			intent:      domain.IntentUpdateTeam,
			params:      map[string]string{domain.ParamProject: input.ProjectID},
			requirement: auth.ProjectScoped(input.ProjectID),
		})
		if authErr != nil {
			return nil, authErr
		}
		if _, err := s.engine.UpdateTeam(ctx, actor, input.ProjectID, input.Body.Team); err != nil {
			return nil, handleError(err)
		}
		return s.projectOutput(ctx, input.ProjectID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-roadmap",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/roadmap",
		Summary:     "Update the roadmap (program weeks 1 to 4)",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      UpdateRoadmapRequest `json:"body"`
	}) (*projectOutput, error) {
		actor, authErr := s.authorize(ctx, statementCheck{
			intent:      domain.IntentUpdateRoadmap,
			params:      map[string]string{domain.ParamProject: input.ProjectID},
			requirement: auth.ProjectScoped(input.ProjectID),
		})
		if authErr != nil {
			return nil, authErr
		}
		if _, err := s.engine.UpdateRoadmap(ctx, actor, input.ProjectID, input.Body.Roadmap); err != nil {
			return nil, handleError(err)
		}
		return s.projectOutput(ctx, input.ProjectID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-milestone2",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/submission",
		Summary:     "Submit milestone 2 deliverables (program weeks 5 and 6)",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      SubmissionRequest `json:"body"`
	}) (*projectOutput, error) {
		actor, authErr := s.authorize(ctx, statementCheck{
			intent:      domain.IntentSubmitMilestone2,
			params:      map[string]string{domain.ParamProject: input.ProjectID},
			requirement: auth.ProjectScoped(input.ProjectID),
		})
		if authErr != nil {
			return nil, authErr
		}
		if _, err := s.engine.SubmitMilestone2(ctx, actor, input.ProjectID, input.Body.SubmissionURL); err != nil {
			return nil, handleError(err)
		}
		return s.projectOutput(ctx, input.ProjectID)
	})
}

func (s *service) projectOutput(ctx context.Context, projectID string) (*projectOutput, error) {
	view, err := s.engine.ProjectView(ctx, projectID)
	if err != nil {
		return nil, handleError(err)
	}
	return &projectOutput{Body: view}, nil
}

func registerLedger(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-payments",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/payments",
		Summary:     "Payment ledger of a project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body PaymentsResponse `json:"body"`
	}, error) {
		view, err := s.engine.ProjectView(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := PaymentsResponse{Items: make([]PaymentResponse, 0, len(view.Payments))}
		for _, p := range view.Payments {
			resp.Items = append(resp.Items, paymentResponse(p))
		}
		return &struct {
			Body PaymentsResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "payout-split",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/payout-split",
		Summary:     "Equal split of an amount across the team",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Total     string `query:"total" required:"true"`
		Currency  string `query:"currency" default:"USDC"`
	}) (*struct {
		Body PayoutSplitResponse `json:"body"`
	}, error) {
		currency, err := money.ParseCurrency(input.Currency)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, string(engine.KindInvalidInput), err.Error(), nil)
		}
		total, err := money.Parse(input.Total, currency)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, string(engine.KindInvalidInput), err.Error(), nil)
		}
		split, err := s.engine.PayoutSplit(ctx, input.ProjectID, total, currency)
		if err != nil {
			return nil, handleError(err)
		}
		resp := PayoutSplitResponse{Currency: currency, Total: money.Format(total, currency)}
		for _, r := range split {
			resp.Recipients = append(resp.Recipients, recipientResponse(r, currency))
		}
		return &struct {
			Body PayoutSplitResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-payment",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/confirm-payment",
		Summary:     "Record a milestone payment",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      ConfirmPaymentRequest `json:"body"`
	}) (*struct {
		Body ConfirmPaymentResponse `json:"body"`
	}, error) {
		actor, authErr := s.authorize(ctx, statementCheck{
			intent: domain.IntentConfirmPayment,
			params: map[string]string{
				domain.ParamProject:   input.ProjectID,
				domain.ParamMilestone: input.Body.Milestone,
			},
			requirement: auth.GlobalOnly(),
		})
		if authErr != nil {
			return nil, authErr
		}
		opts, err := input.Body.confirmOptions(input.ProjectID)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, string(engine.KindInvalidInput), err.Error(), nil)
		}
		rec, err := s.engine.ConfirmPayment(ctx, actor, opts)
		if err != nil {
			return nil, handleError(err)
		}
		view, err := s.engine.ProjectView(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfirmPaymentResponse `json:"body"`
		}{Body: ConfirmPaymentResponse{Payment: paymentResponse(rec), Project: view}}, nil
	})
}
