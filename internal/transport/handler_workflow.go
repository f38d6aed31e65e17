package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/idempotency"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

// multipartMemory bounds the in-memory part of a parsed multipart form;
// larger parts spill to temporary files.
const multipartMemory = 8 << 20

// BatchExecutor runs a list of actions as one all-or-nothing unit.
type BatchExecutor interface {
	ExecuteBatch(ctx context.Context, rctx *model.RequestContext, reqs []model.ActionRequest) ([]string, error)
}

// workflowHandler serves POST /workflow.
type workflowHandler struct {
	exec    BatchExecutor
	idem    idempotency.Store
	idemTTL time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics
}

func (h *workflowHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return
	}

	reqs, fingerprint, err := decodeActions(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	key := r.Header.Get("X-Idempotency-Key")
	reserved, saved := false, false
	if key != "" && h.idem != nil {
		key = idempotency.FormatKey(rctx.UserName, key)
		prev, found, err := h.idem.Reserve(r.Context(), key, fingerprint, h.idemTTL)
		if err != nil {
			WriteError(w, err)
			return
		}
		if found {
			h.metrics.RecordIdempotentReplay()
			WriteJSON(w, http.StatusOK, prev)
			return
		}
		reserved = true
	}
	defer func() {
		if reserved && !saved {
			if err := h.idem.Release(context.WithoutCancel(r.Context()), key); err != nil {
				observability.RequestLogger(r.Context(), h.logger).Warn("idempotency release failed",
					zap.Error(err))
			}
		}
	}()

	urls, err := h.exec.ExecuteBatch(r.Context(), rctx, reqs)
	if err != nil {
		WriteError(w, err)
		return
	}
	if urls == nil {
		urls = []string{}
	}
	resp := model.ActionResponse{
		Message:      fmt.Sprintf("Executed %d action(s)", len(reqs)),
		RedirectURLs: urls,
	}

	if reserved {
		if err := h.idem.Save(r.Context(), key, fingerprint, resp, h.idemTTL); err != nil {
			// The batch is committed; a lost idempotency record only
			// weakens replay protection.
			observability.RequestLogger(r.Context(), h.logger).Warn("idempotency save failed",
				zap.Error(err))
		} else {
			saved = true
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// decodeActions parses either a JSON array body or a multipart form with an
// "actions" field. It returns the requests and a fingerprint of the input
// for idempotency checks.
func decodeActions(r *http.Request) ([]model.ActionRequest, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return decodeMultipart(r)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", bodyError(err)
	}
	reqs, err := parseActions(body)
	if err != nil {
		return nil, "", err
	}
	return reqs, idempotency.HashInput(body), nil
}

func decodeMultipart(r *http.Request) ([]model.ActionRequest, string, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, "", bodyError(err)
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	raw := r.MultipartForm.Value["actions"]
	if len(raw) == 0 {
		return nil, "", model.NewBadRequestError(`multipart form requires an "actions" field`)
	}
	reqs, err := parseActions([]byte(raw[0]))
	if err != nil {
		return nil, "", err
	}

	fp := sha256.New()
	fp.Write([]byte(raw[0]))

	fields := make([]string, 0, len(r.MultipartForm.File))
	for field := range r.MultipartForm.File {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		headers := r.MultipartForm.File[field]
		files := make([]model.Attachment, 0, len(headers))
		for _, fh := range headers {
			att, err := readAttachment(field, fh)
			if err != nil {
				return nil, "", err
			}
			sum := sha256.Sum256(att.Content)
			fmt.Fprintf(fp, "\n%s:%s:%x", field, att.FileName, sum)
			files = append(files, att)
		}
		var value any = files
		if len(files) == 1 {
			value = files[0]
		}
		for i := range reqs {
			if reqs[i].Data == nil {
				reqs[i].Data = make(map[string]any)
			}
			reqs[i].Data[field] = value
		}
	}
	return reqs, hex.EncodeToString(fp.Sum(nil)), nil
}

func readAttachment(field string, fh *multipart.FileHeader) (model.Attachment, error) {
	f, err := fh.Open()
	if err != nil {
		return model.Attachment{}, model.NewBadRequestError(fmt.Sprintf("unreadable file part %q", field))
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, f); err != nil {
		return model.Attachment{}, model.NewBadRequestError(fmt.Sprintf("unreadable file part %q", field))
	}
	return model.Attachment{
		FieldName:   field,
		FileName:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Content:     buf.Bytes(),
	}, nil
}

func parseActions(data []byte) ([]model.ActionRequest, error) {
	var reqs []model.ActionRequest
	if err := json.Unmarshal(data, &reqs); err != nil {
		return nil, model.NewBadRequestError("body must be a JSON array of actions")
	}
	return reqs, nil
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return model.NewBadRequestError(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
	}
	return model.NewBadRequestError("unreadable request body")
}
