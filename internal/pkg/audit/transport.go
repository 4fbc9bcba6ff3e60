package audit

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/app/models"
)

const maxSnapshotBytes = 64 << 10

// Transport records every outbound request in the Trail. Recording failures
// are logged; they never fail the request itself.
type Transport struct {
	Base  http.RoundTripper
	Trail *Trail
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, correlationID := EnsureCorrelationID(req.Context())
	if h := req.Header.Get(HeaderCorrelationID); h != "" && CorrelationID(req.Context()) == "" {
		correlationID = h
		ctx = WithCorrelationID(ctx, h)
	}

	out := req.Clone(ctx)
	out.Header.Set(HeaderCorrelationID, correlationID)

	reqBody, err := drainBody(&out.Body)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, rtErr := t.base().RoundTrip(out)
	duration := time.Since(start)

	subject := SubjectFrom(ctx)
	entry := Entry{
		CorrelationID: correlationID,
		ProviderID:    subject.ProviderID,
		EntityType:    subject.EntityType,
		EntityID:      subject.EntityID,
		Action:        subject.Action,
		Direction:     models.AuditDirectionOutbound,
		Method:        out.Method,
		Endpoint:      out.URL.String(),
		Duration:      duration,
		Request:       snapshot(out.Header, reqBody),
		Err:           rtErr,
	}
	if entry.Action == "" {
		entry.Action = out.Method + " " + out.URL.Path
	}
	if resp != nil {
		entry.HTTPStatus = resp.StatusCode
		respBody, derr := drainBody(&resp.Body)
		if derr != nil && entry.Err == nil {
			entry.Err = derr
		}
		entry.Response = snapshot(resp.Header, respBody)
	}

	if t.Trail != nil {
		if _, err := t.Trail.Record(ctx, entry); err != nil {
			log.Errorf("[Audit] %v", err)
		}
	}
	return resp, rtErr
}

// drainBody reads a body fully and replaces it with an in-memory copy.
func drainBody(body *io.ReadCloser) ([]byte, error) {
	if *body == nil || *body == http.NoBody {
		return nil, nil
	}
	b, err := io.ReadAll(*body)
	_ = (*body).Close()
	*body = io.NopCloser(bytes.NewReader(b))
	return b, err
}

func snapshot(h http.Header, body []byte) map[string]interface{} {
	headers := make(map[string]interface{}, len(h))
	for k := range h {
		headers[k] = h.Get(k)
	}
	s := map[string]interface{}{"headers": headers}
	if len(body) == 0 {
		return s
	}
	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err == nil {
		s["body"] = decoded
		return s
	}
	if len(body) > maxSnapshotBytes {
		body = body[:maxSnapshotBytes]
	}
	s["body_raw"] = string(body)
	return s
}
