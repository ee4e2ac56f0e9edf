package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/blobstore"
	"github.com/clinic/clinic/internal/platform/middleware"
	"github.com/clinic/clinic/pkg/pagination"
)

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/billing")

	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.GET("/files/:fileId", h.DownloadFile)
	g.GET("/summary/:therapistId", h.Summary)

	g.POST("", h.Create, auth.RequireRole(auth.RoleTherapist, auth.RoleSupervisor))
	g.PUT("/:id/correction", h.Correct, auth.RequireRole(auth.RoleTherapist, auth.RoleSupervisor))

	g.POST("/:id/approve", h.Approve, auth.RequireRole(auth.RoleFinance, auth.RoleSupervisor))
	g.POST("/:id/reject", h.Reject, auth.RequireRole(auth.RoleFinance, auth.RoleSupervisor))
	g.POST("/approve", h.ApproveMany, auth.RequireRole(auth.RoleFinance))

	g.DELETE("/:id", h.Delete, auth.RequireRole(auth.RoleAdmin))
}

var errorStatus = map[string]int{
	"BILLING_NOT_FOUND":   http.StatusNotFound,
	"VALIDATION_ERROR":    http.StatusBadRequest,
	"INVALID_TRANSITION":  http.StatusConflict,
	"CONFLICT":            http.StatusConflict,
	"FORBIDDEN":           http.StatusForbidden,
	"UPLOAD_FAILED":       http.StatusInternalServerError,
	"PERSISTENCE_FAILURE": http.StatusInternalServerError,
}

// respond writes err as an ErrorBody. Server errors are logged and their
// detail is withheld from the client.
func (h *Handler) respond(c echo.Context, err error) error {
	code := ErrorCode(err)
	status, ok := errorStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}

	msg := err.Error()
	if status >= http.StatusInternalServerError {
		rid, _ := c.Get("request_id").(string)
		h.logger.Error().Err(err).Str("request_id", rid).Str("code", code).
			Str("path", c.Request().URL.Path).Msg("billing request failed")
		switch code {
		case "UPLOAD_FAILED":
			msg = ErrUploadFailed.Error()
		case "PERSISTENCE_FAILURE":
			msg = ErrPersistence.Error()
		default:
			msg = "internal error"
		}
	}
	return c.JSON(status, middleware.ErrorBody{Code: code, Message: msg})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, middleware.ErrorBody{Code: "VALIDATION_ERROR", Message: msg})
}

func callerOf(c echo.Context) (Caller, error) {
	ctx := c.Request().Context()
	id, ok := auth.CallerIDFromContext(ctx)
	if !ok {
		return Caller{}, echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	return Caller{ID: id, Roles: auth.RolesFromContext(ctx)}, nil
}

func pathID(c echo.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	return id, err == nil && id > 0
}

func isMultipart(c echo.Context) bool {
	mt, _, _ := mime.ParseMediaType(c.Request().Header.Get(echo.HeaderContentType))
	return mt == echo.MIMEMultipartForm
}

// decodeSubmission reads a create or correction request. Multipart requests
// carry the JSON document in the "payload" field and evidence in "files";
// other requests are plain JSON without files.
func decodeSubmission(c echo.Context, dst any) ([]blobstore.File, error) {
	if !isMultipart(c) {
		if err := c.Bind(dst); err != nil {
			return nil, fmt.Errorf("invalid request body: %w", err)
		}
		return nil, nil
	}

	form, err := c.MultipartForm()
	if err != nil {
		return nil, fmt.Errorf("invalid multipart body: %w", err)
	}
	payload := ""
	if v := form.Value["payload"]; len(v) > 0 {
		payload = v[0]
	}
	if strings.TrimSpace(payload) == "" {
		return nil, errors.New("payload is required")
	}
	if err := json.Unmarshal([]byte(payload), dst); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	return evidenceFiles(form.File["files"]), nil
}

func submissionError(c echo.Context, err error) error {
	if middleware.BodyTooLarge(err) {
		return middleware.PayloadTooLarge(c)
	}
	return badRequest(c, err.Error())
}

func evidenceFiles(headers []*multipart.FileHeader) []blobstore.File {
	files := make([]blobstore.File, 0, len(headers))
	for _, fh := range headers {
		files = append(files, blobstore.File{
			Name:        fh.Filename,
			ContentType: contentTypeOf(fh),
			Size:        fh.Size,
			Open:        func() (io.ReadCloser, error) { return fh.Open() },
		})
	}
	return files
}

// contentTypeOf trusts the part header unless it is missing or generic, then
// falls back to the file extension.
func contentTypeOf(fh *multipart.FileHeader) string {
	mt, _, err := mime.ParseMediaType(fh.Header.Get(echo.HeaderContentType))
	if err == nil && mt != "" && mt != echo.MIMEOctetStream {
		return mt
	}
	if byExt, _, err := mime.ParseMediaType(mime.TypeByExtension(strings.ToLower(path.Ext(fh.Filename)))); err == nil {
		return byExt
	}
	return echo.MIMEOctetStream
}

func (h *Handler) Create(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	var in CreateInput
	files, err := decodeSubmission(c, &in)
	if err != nil {
		return submissionError(c, err)
	}
	in.Files = files

	row, err := h.svc.Create(c.Request().Context(), caller, in)
	if err != nil {
		return h.respond(c, err)
	}
	return c.JSON(http.StatusCreated, row)
}

func (h *Handler) Get(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid id")
	}
	row, err := h.svc.Get(c.Request().Context(), caller, id)
	if err != nil {
		return h.respond(c, err)
	}
	return c.JSON(http.StatusOK, row)
}

func parseDay(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return &t, nil
}

func (h *Handler) List(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}

	f := ListFilter{
		Query:  c.QueryParam("q"),
		Status: Status(c.QueryParam("status")),
		Page:   pagination.FromContext(c),
	}
	if v := c.QueryParam("client_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return badRequest(c, "invalid client_id")
		}
		f.ClientID = id
	}
	if f.CreatedFrom, err = parseDay(c.QueryParam("created_from")); err != nil {
		return badRequest(c, err.Error())
	}
	if f.CreatedTo, err = parseDay(c.QueryParam("created_to")); err != nil {
		return badRequest(c, err.Error())
	}

	resp, err := h.svc.List(c.Request().Context(), caller, f)
	if err != nil {
		return h.respond(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Correct(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid id")
	}
	var in CorrectionInput
	files, err := decodeSubmission(c, &in)
	if err != nil {
		return submissionError(c, err)
	}
	in.Files = files

	row, err := h.svc.Correct(c.Request().Context(), caller, id, in)
	if err != nil {
		return h.respond(c, err)
	}
	return c.JSON(http.StatusOK, row)
}

type approveRequest struct {
	ReimbursedAmount *decimal.Decimal `json:"reimbursed_amount"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type approveManyRequest struct {
	IDs []int64 `json:"ids"`
}

func (h *Handler) Approve(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid id")
	}
	var req approveRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	row, err := h.svc.Approve(c.Request().Context(), caller, id, req.ReimbursedAmount)
	if err != nil {
		return h.respond(c, err)
	}
	return c.JSON(http.StatusOK, row)
}

func (h *Handler) Reject(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid id")
	}
	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	row, err := h.svc.Reject(c.Request().Context(), caller, id, req.Reason)
	if err != nil {
		return h.respond(c, err)
	}
	return c.JSON(http.StatusOK, row)
}

func (h *Handler) ApproveMany(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	var req approveManyRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	approved, err := h.svc.ApproveMany(c.Request().Context(), caller, req.IDs)
	if err != nil {
		return h.respond(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"approved": approved})
}

func (h *Handler) Delete(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid id")
	}
	if err := h.svc.Delete(c.Request().Context(), caller, id); err != nil {
		return h.respond(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) DownloadFile(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	id, ok := pathID(c, "fileId")
	if !ok {
		return badRequest(c, "invalid file id")
	}
	rc, f, err := h.svc.OpenEvidence(c.Request().Context(), caller, id)
	if err != nil {
		return h.respond(c, err)
	}
	defer rc.Close()

	c.Response().Header().Set(echo.HeaderContentDisposition,
		mime.FormatMediaType("attachment", map[string]string{"filename": f.Name}))
	if f.Size > 0 {
		c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(f.Size, 10))
	}
	return c.Stream(http.StatusOK, f.MimeType, rc)
}

func (h *Handler) Summary(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}
	therapistID, ok := pathID(c, "therapistId")
	if !ok {
		return badRequest(c, "invalid therapist id")
	}
	from, err := parseDay(c.QueryParam("from"))
	if err != nil {
		return badRequest(c, err.Error())
	}
	to, err := parseDay(c.QueryParam("to"))
	if err != nil {
		return badRequest(c, err.Error())
	}
	if from == nil || to == nil {
		return badRequest(c, "from and to are required")
	}

	sum, err := h.svc.Summary(c.Request().Context(), caller, therapistID, *from, *to)
	if err != nil {
		return h.respond(c, err)
	}
	return c.JSON(http.StatusOK, sum)
}
