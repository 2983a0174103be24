package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"dealboard/internal/analytics"
	"dealboard/internal/board"
	"dealboard/internal/domain"
	"dealboard/internal/engine"
	"dealboard/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   logrus.FieldLogger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"wip_limit_exceeded"`
	Message string         `json:"message" example:"stage s-2 is at its WIP limit of 3"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"stage_id\":\"s-2\"}"`
}

type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

var validate = validator.New()

// New returns an HTTP handler exposing the board API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Board == nil {
		return nil, errors.New("engine has no board")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the error envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(data))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, data)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Dealboard API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerBoard(group, cfg.Engine)
	registerStages(group, cfg.Engine)
	registerDeals(group, cfg.Engine)
	registerActivity(group, cfg.Engine)
	registerAnalytics(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group)
	if cfg.Auth.EnableDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	var (
		dealNF    board.DealNotFoundError
		stageNF   board.StageNotFoundError
		commentNF board.CommentNotFoundError
		attNF     board.AttachmentNotFoundError
		dup       board.DuplicateNameError
		exists    board.DealExistsError
		last      board.LastStageError
		wip       board.WipLimitExceededError
		empty     board.EmptyCommentError
		target    board.InvalidMoveTargetError
		verrs     validator.ValidationErrors
	)
	switch {
	case errors.As(err, &dealNF):
		return newAPIError(http.StatusNotFound, "deal_not_found", msg, map[string]any{"deal_id": dealNF.DealID})
	case errors.As(err, &stageNF):
		return newAPIError(http.StatusNotFound, "stage_not_found", msg, map[string]any{"stage_id": stageNF.StageID})
	case errors.As(err, &commentNF):
		return newAPIError(http.StatusNotFound, "comment_not_found", msg, nil)
	case errors.As(err, &attNF):
		return newAPIError(http.StatusNotFound, "attachment_not_found", msg, nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.As(err, &dup):
		return newAPIError(http.StatusConflict, "duplicate_name", msg, map[string]any{"name": dup.Name})
	case errors.As(err, &exists):
		return newAPIError(http.StatusConflict, "deal_exists", msg, map[string]any{"deal_id": exists.DealID})
	case errors.As(err, &last):
		return newAPIError(http.StatusConflict, "last_stage", msg, map[string]any{"stage_id": last.StageID})
	case errors.As(err, &wip):
		return newAPIError(http.StatusConflict, "wip_limit_exceeded", msg, map[string]any{"stage_id": wip.StageID, "limit": wip.Limit})
	case errors.As(err, &target):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_move_target", msg, map[string]any{"stage_id": target.StageID, "index": target.Index})
	case errors.As(err, &empty),
		errors.Is(err, board.ErrEmptyStageName),
		errors.Is(err, board.ErrTitleRequired):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.As(err, &verrs):
		fields := map[string]any{}
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		return newAPIError(http.StatusBadRequest, "bad_request", "request validation failed", map[string]any{"fields": fields})
	case errors.Is(err, board.ErrNoBlobStore), errors.Is(err, board.ErrNoStages):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	}
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "must be") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// checkBoard resolves the acting user and makes sure the path names the
// served board.
func checkBoard(ctx context.Context, e engine.Engine, boardID string) (string, huma.StatusError) {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return "", authErr
	}
	if boardID != e.BoardID {
		return "", newAPIError(http.StatusNotFound, "board_not_found", fmt.Sprintf("board %s not found", boardID), map[string]any{"board_id": boardID})
	}
	return actorID, nil
}

func validateBody(ctx context.Context, v any) huma.StatusError {
	if len(bytes.TrimSpace(bodyBytes(ctx))) == 0 {
		return newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
	}
	if err := validate.Struct(v); err != nil {
		return handleError(err)
	}
	return nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Dealboard API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

type boardPath struct {
	BoardID string `path:"board_id"`
}

type stagePath struct {
	BoardID string `path:"board_id"`
	StageID string `path:"stage_id"`
}

type dealPath struct {
	BoardID string `path:"board_id"`
	DealID  string `path:"deal_id"`
}

func registerBoard(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-board",
		Method:      http.MethodGet,
		Path:        "/boards/{board_id}",
		Summary:     "Fetch the full board",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *boardPath) (*output[domain.Snapshot], error) {
		if _, err := checkBoard(ctx, e, input.BoardID); err != nil {
			return nil, err
		}
		return reply(e.Snapshot()), nil
	})
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/boards/{board_id}/stages",
		Summary:     "List stages in board order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *boardPath) (*output[[]domain.Stage], error) {
		if _, err := checkBoard(ctx, e, input.BoardID); err != nil {
			return nil, err
		}
		return reply(nonNilSlice(e.ListStages())), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-stage",
		Method:        http.MethodPost,
		Path:          "/boards/{board_id}/stages",
		Summary:       "Append a stage",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		BoardID string             `path:"board_id"`
		Body    CreateStageRequest `json:"body"`
	}) (*output[domain.Stage], error) {
		actorID, serr := checkBoard(ctx, e, input.BoardID)
		if serr != nil {
			return nil, serr
		}
		if serr := validateBody(ctx, input.Body); serr != nil {
			return nil, serr
		}
		st, err := e.CreateStage(ctx, input.Body.Name, input.Body.WIPLimit, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-stage",
		Method:      http.MethodPatch,
		Path:        "/boards/{board_id}/stages/{stage_id}",
		Summary:     "Rename a stage or change its WIP limit",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		BoardID string             `path:"board_id"`
		StageID string             `path:"stage_id"`
		Body    UpdateStageRequest `json:"body"`
	}) (*output[domain.Stage], error) {
		actorID, serr := checkBoard(ctx, e, input.BoardID)
		if serr != nil {
			return nil, serr
		}
		if serr := validateBody(ctx, input.Body); serr != nil {
			return nil, serr
		}
		st, err := e.UpdateStage(ctx, input.StageID, engine.StageUpdate{
			Name:          input.Body.Name,
			WIPLimit:      input.Body.WIPLimit,
			ClearWIPLimit: input.Body.ClearWIPLimit,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reorder-stage",
		Method:      http.MethodPost,
		Path:        "/boards/{board_id}/stages/{stage_id}/reorder",
		Summary:     "Move a stage to a new index",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BoardID string              `path:"board_id"`
		StageID string              `path:"stage_id"`
		Body    ReorderStageRequest `json:"body"`
	}) (*output[[]domain.Stage], error) {
		actorID, serr := checkBoard(ctx, e, input.BoardID)
		if serr != nil {
			return nil, serr
		}
		stages, err := e.ReorderStage(ctx, input.StageID, input.Body.Index, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(stages), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-stage",
		Method:      http.MethodDelete,
		Path:        "/boards/{board_id}/stages/{stage_id}",
		Summary:     "Delete a stage; its deals move to the first stage",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *stagePath) (*output[DeleteStageResponse], error) {
		actorID, serr := checkBoard(ctx, e, input.BoardID)
		if serr != nil {
			return nil, serr
		}
		res, err := e.DeleteStage(ctx, input.StageID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(deleteStageResponse(res)), nil
	})
}

func registerDeals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-deal",
		Method:        http.MethodPost,
		Path:          "/boards/{board_id}/deals",
		Summary:       "Create a deal at the end of a stage",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		BoardID string            `path:"board_id"`
		Body    CreateDealRequest `json:"body"`
	}) (*output[domain.Deal], error) {
		actorID, serr := checkBoard(ctx, e, input.BoardID)
		if serr != nil {
			return nil, serr
		}
		if serr := validateBody(ctx, input.Body); serr != nil {
			return nil, serr
		}
		in, err := input.Body.input()
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.CreateDeal(ctx, in, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deal",
		Method:      http.MethodGet,
		Path:        "/boards/{board_id}/deals/{deal_id}",
		Summary:     "Get deal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *dealPath) (*output[domain.Deal], error) {
		if _, serr := checkBoard(ctx, e, input.BoardID); serr != nil {
			return nil, serr
		}
		d, err := e.GetDeal(input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-deal",
		Method:      http.MethodPatch,
		Path:        "/boards/{board_id}/deals/{deal_id}",
		Summary:     "Edit deal fields",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BoardID string            `path:"board_id"`
		DealID  string            `path:"deal_id"`
		Body    UpdateDealRequest `json:"body"`
	}) (*output[domain.Deal], error) {
		actorID, serr := checkBoard(ctx, e, input.BoardID)
		if serr != nil {
			return nil, serr
		}
		if serr := validateBody(ctx, input.Body); serr != nil {
			return nil, serr
		}
		p, err := input.Body.patch()
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.UpdateDeal(ctx, input.DealID, p, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-deal",
		Method:      http.MethodDelete,
		Path:        "/boards/{board_id}/deals/{deal_id}",
		Summary:     "Delete a deal; its activity log is kept",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *dealPath) (*output[domain.ActivityEntry], error) {
		actorID, serr := checkBoard(ctx, e, input.BoardID)
		if serr != nil {
			return nil, serr
		}
		entry, err := e.DeleteDeal(ctx, input.DealID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(entry), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-deal",
		Method:      http.MethodPost,
		Path:        "/boards/{board_id}/deals/{deal_id}/move",
		Summary:     "Move a deal to a stage and index",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		BoardID string          `path:"board_id"`
		DealID  string          `path:"deal_id"`
		Body    MoveDealRequest `json:"body"`
	}) (*output[MoveResponse], error) {
		actorID, serr := checkBoard(ctx, e, input.BoardID)
		if serr != nil {
			return nil, serr
		}
		if serr := validateBody(ctx, input.Body); serr != nil {
			return nil, serr
		}
		res, err := e.MoveDeal(ctx, input.DealID, input.Body.StageID, input.Body.Index, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(moveResponse(res)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "score-deal",
		Method:      http.MethodGet,
		Path:        "/boards/{board_id}/deals/{deal_id}/score",
		Summary:     "Heuristic win likelihood, 0-100",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *dealPath) (*output[ScoreResponse], error) {
		if _, serr := checkBoard(ctx, e, input.BoardID); serr != nil {
			return nil, serr
		}
		score, err := e.Score(input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ScoreResponse{DealID: input.DealID, Score: score}), nil
	})
}

func registerActivity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-comment",
		Method:        http.MethodPost,
		Path:          "/boards/{board_id}/deals/{deal_id}/comments",
		Summary:       "Comment on a deal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BoardID string            `path:"board_id"`
		DealID  string            `path:"deal_id"`
		Body    AddCommentRequest `json:"body"`
	}) (*output[domain.Comment], error) {
		actorID, serr := checkBoard(ctx, e, input.BoardID)
		if serr != nil {
			return nil, serr
		}
		c, err := e.AddComment(ctx, input.DealID, input.Body.Text, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-comments",
		Method:      http.MethodGet,
		Path:        "/boards/{board_id}/deals/{deal_id}/comments",
		Summary:     "Comments, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *dealPath) (*output[[]domain.Comment], error) {
		if _, serr := checkBoard(ctx, e, input.BoardID); serr != nil {
			return nil, serr
		}
		items, err := e.Comments(input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-comment",
		Method:        http.MethodDelete,
		Path:          "/boards/{board_id}/deals/{deal_id}/comments/{comment_id}",
		Summary:       "Delete a comment",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BoardID   string `path:"board_id"`
		DealID    string `path:"deal_id"`
		CommentID string `path:"comment_id"`
	}) (*struct{}, error) {
		actorID, serr := checkBoard(ctx, e, input.BoardID)
		if serr != nil {
			return nil, serr
		}
		if err := e.DeleteComment(ctx, input.DealID, input.CommentID, actorID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-attachment",
		Method:        http.MethodPost,
		Path:          "/boards/{board_id}/deals/{deal_id}/attachments",
		Summary:       "Upload an attachment",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		BoardID string               `path:"board_id"`
		DealID  string               `path:"deal_id"`
		Body    AddAttachmentRequest `json:"body"`
	}) (*output[domain.Attachment], error) {
		actorID, serr := checkBoard(ctx, e, input.BoardID)
		if serr != nil {
			return nil, serr
		}
		if serr := validateBody(ctx, input.Body); serr != nil {
			return nil, serr
		}
		data, err := base64.StdEncoding.DecodeString(input.Body.Content)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "content must be base64", nil)
		}
		att, err := e.AddAttachment(ctx, input.DealID, board.File{
			Name:     input.Body.Name,
			MimeType: input.Body.MimeType,
			Content:  bytes.NewReader(data),
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(att), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-attachments",
		Method:      http.MethodGet,
		Path:        "/boards/{board_id}/deals/{deal_id}/attachments",
		Summary:     "Attachments, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *dealPath) (*output[[]domain.Attachment], error) {
		if _, serr := checkBoard(ctx, e, input.BoardID); serr != nil {
			return nil, serr
		}
		items, err := e.Attachments(input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-attachment",
		Method:        http.MethodDelete,
		Path:          "/boards/{board_id}/deals/{deal_id}/attachments/{attachment_id}",
		Summary:       "Remove an attachment",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BoardID      string `path:"board_id"`
		DealID       string `path:"deal_id"`
		AttachmentID string `path:"attachment_id"`
	}) (*struct{}, error) {
		actorID, serr := checkBoard(ctx, e, input.BoardID)
		if serr != nil {
			return nil, serr
		}
		if err := e.DeleteAttachment(ctx, input.DealID, input.AttachmentID, actorID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deal-activity",
		Method:      http.MethodGet,
		Path:        "/boards/{board_id}/deals/{deal_id}/activity",
		Summary:     "Deal activity log, newest first; kept after the deal is deleted",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *dealPath) (*output[[]domain.ActivityEntry], error) {
		if _, serr := checkBoard(ctx, e, input.BoardID); serr != nil {
			return nil, serr
		}
		items, err := e.Activity(input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "board-activity",
		Method:      http.MethodGet,
		Path:        "/boards/{board_id}/activity",
		Summary:     "Stored activity across the board, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BoardID  string `path:"board_id"`
		DealID   string `query:"deal_id"`
		Type     string `query:"type" enum:"stage,edit,comment,attachment,delete"`
		AfterSeq int64  `query:"after_seq"`
		Limit    int    `query:"limit" default:"50"`
	}) (*output[[]domain.ActivityEntry], error) {
		if _, serr := checkBoard(ctx, e, input.BoardID); serr != nil {
			return nil, serr
		}
		items, err := e.Repo.ListActivity(ctx, repo.ActivityFilters{
			BoardID:  e.BoardID,
			DealID:   input.DealID,
			Type:     input.Type,
			AfterSeq: input.AfterSeq,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})
}

func registerAnalytics(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "analytics",
		Method:      http.MethodGet,
		Path:        "/boards/{board_id}/analytics",
		Summary:     "Funnel, averages, leaderboard, heatmaps and velocity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *boardPath) (*output[analytics.Report], error) {
		if _, serr := checkBoard(ctx, e, input.BoardID); serr != nil {
			return nil, serr
		}
		return reply(e.Analytics()), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/boards/{board_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BoardID    string `path:"board_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"board,stage,deal"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*output[paginatedEvents], error) {
		if _, serr := checkBoard(ctx, e, input.BoardID); serr != nil {
			return nil, serr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, e.BoardID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp), nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[WhoAmIResponse], error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return reply(WhoAmIResponse{ActorID: p.ActorID, Roles: nonNilSlice(p.Roles), Source: p.Source}), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*output[DevLoginResponse], error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token}), nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
