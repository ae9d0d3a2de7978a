package intake

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/triage/internal/domain/queue"
	"github.com/ehr/triage/internal/domain/triage"
)

type fakeQueue struct {
	drafts []queue.PatientDraft
	err    error
}

func (f *fakeQueue) Append(_ context.Context, d queue.PatientDraft) (queue.Patient, error) {
	if f.err != nil {
		return queue.Patient{}, f.err
	}
	f.drafts = append(f.drafts, d)
	return queue.Patient{
		ID:             queue.FormatID(len(f.drafts)),
		ESI:            d.ESI,
		Status:         queue.StatusWaiting,
		ChiefComplaint: d.ChiefComplaint,
	}, nil
}

func newTestHandler(catalog *triage.Catalog, policy triage.Policy) (*Handler, *fakeQueue, *echo.Echo) {
	q := &fakeQueue{}
	store := NewSessionStore(catalog, policy, time.Hour, nil)
	return NewHandler(store, q, zerolog.Nop()), q, echo.New()
}

func request(e *echo.Echo, method, body, id string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, "/", nil)
	} else {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if id != "" {
		c.SetParamNames("id")
		c.SetParamValues(id)
	}
	return c, rec
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func decodeView(t *testing.T, rec *httptest.ResponseRecorder) SessionView {
	t.Helper()
	var v SessionView
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode: %v (%s)", err, rec.Body.String())
	}
	return v
}

func TestHandler_Questions(t *testing.T) {
	h, _, e := newTestHandler(triage.VitalsCatalog(), triage.VitalsPolicy{})
	c, rec := request(e, http.MethodGet, "", "")
	if err := h.Questions(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Policy  string `json:"policy"`
		Catalog struct {
			Questions []triage.Question `json:"questions"`
		} `json:"catalog"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Policy != triage.PolicyVitals || len(body.Catalog.Questions) != 8 {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandler_Classify(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
		esi  triage.ESI
	}{
		{
			"unstable",
			`{"vitalsStable":"no","painLevel":0,"chestPain":"no","breathingDifficulty":"none","consciousness":"alert","bleeding":"no","onset":"gradual","age":30}`,
			http.StatusOK, 1,
		},
		{
			"severe pain",
			`{"vitalsStable":true,"painLevel":9,"chestPain":false,"breathingDifficulty":"none","consciousness":"alert","bleeding":false,"onset":"gradual","age":30}`,
			http.StatusOK, 2,
		},
		{"missing answers", `{"vitalsStable":"yes"}`, http.StatusBadRequest, 0},
		{"unknown field", `{"systom_progression":"Worsened"}`, http.StatusBadRequest, 0},
		{"not an object", `[1,2]`, http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, e := newTestHandler(triage.VitalsCatalog(), triage.VitalsPolicy{})
			c, rec := request(e, http.MethodPost, tt.body, "")
			err := h.Classify(c)
			if tt.code != http.StatusOK {
				if code := statusOf(t, err); code != tt.code {
					t.Errorf("expected %d, got %d", tt.code, code)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var r Result
			if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if r.ESI != tt.esi || r.Policy != triage.PolicyVitals || r.Label != tt.esi.Label() {
				t.Errorf("unexpected result: %+v", r)
			}
		})
	}
}

func TestHandler_AssessmentFlow(t *testing.T) {
	h, q, e := newTestHandler(triage.VitalsCatalog(), triage.VitalsPolicy{})

	c, rec := request(e, http.MethodPost, "", "")
	if err := h.CreateAssessment(c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	id := decodeView(t, rec).ID

	values := []string{`"yes"`, `4`, `"no"`, `"none"`, `"alert"`, `"no"`, `"gradual"`, `40`}
	for i, v := range values {
		c, _ := request(e, http.MethodPut, `{"value":`+v+`}`, id)
		if err := h.AnswerQuestion(c); err != nil {
			t.Fatalf("answer %d: %v", i, err)
		}
		c, rec := request(e, http.MethodPost, "", id)
		if err := h.Advance(c); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		if i == len(values)-1 {
			v := decodeView(t, rec)
			if v.State != StateComplete || v.Result == nil || v.Result.ESI != triage.ESILessUrgent {
				t.Fatalf("expected complete with ESI 4, got %+v", v)
			}
		}
	}

	c, rec = request(e, http.MethodPost, `{"waitTime":25}`, id)
	if err := h.Enqueue(c); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(q.drafts) != 1 {
		t.Fatalf("expected 1 draft enqueued, got %d", len(q.drafts))
	}
	d := q.drafts[0]
	if d.ESI != triage.ESILessUrgent || d.WaitTime != 25 || d.Answers.Int(triage.FieldAge) != 40 {
		t.Errorf("unexpected draft: %+v", d)
	}
	if !strings.Contains(rec.Body.String(), `"P001"`) {
		t.Errorf("expected patient in response, got %s", rec.Body.String())
	}

	c, _ = request(e, http.MethodGet, "", id)
	if code := statusOf(t, h.GetAssessment(c)); code != http.StatusNotFound {
		t.Errorf("expected session gone after enqueue, got %d", code)
	}
}

func TestHandler_AnswerErrors(t *testing.T) {
	h, _, e := newTestHandler(triage.VitalsCatalog(), triage.VitalsPolicy{})
	c, rec := request(e, http.MethodPost, "", "")
	if err := h.CreateAssessment(c); err != nil {
		t.Fatal(err)
	}
	id := decodeView(t, rec).ID

	c, _ = request(e, http.MethodPut, `{"value":"maybe"}`, id)
	if code := statusOf(t, h.AnswerQuestion(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid yes/no, got %d", code)
	}

	c, _ = request(e, http.MethodPut, `{"index":4,"value":"yes"}`, id)
	if code := statusOf(t, h.AnswerQuestion(c)); code != http.StatusConflict {
		t.Errorf("expected 409 for wrong index, got %d", code)
	}

	c, _ = request(e, http.MethodPost, "", id)
	if code := statusOf(t, h.Advance(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 advancing unanswered question, got %d", code)
	}

	c, _ = request(e, http.MethodPost, "", id)
	if code := statusOf(t, h.Enqueue(c)); code != http.StatusConflict {
		t.Errorf("expected 409 enqueueing incomplete assessment, got %d", code)
	}

	c, _ = request(e, http.MethodPut, `{"value":"yes"}`, "nope")
	if code := statusOf(t, h.AnswerQuestion(c)); code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session, got %d", code)
	}
}

func TestHandler_RetreatAndReset(t *testing.T) {
	h, _, e := newTestHandler(triage.VitalsCatalog(), triage.VitalsPolicy{})
	c, rec := request(e, http.MethodPost, "", "")
	if err := h.CreateAssessment(c); err != nil {
		t.Fatal(err)
	}
	id := decodeView(t, rec).ID

	c, _ = request(e, http.MethodPut, `{"value":"yes"}`, id)
	if err := h.AnswerQuestion(c); err != nil {
		t.Fatal(err)
	}
	c, _ = request(e, http.MethodPost, "", id)
	if err := h.Advance(c); err != nil {
		t.Fatal(err)
	}

	c, rec = request(e, http.MethodPost, "", id)
	if err := h.Retreat(c); err != nil {
		t.Fatal(err)
	}
	v := decodeView(t, rec)
	if v.Index != 0 || !v.Answers.Has(triage.FieldVitalsStable) {
		t.Errorf("expected back at 0 with answer kept, got %+v", v)
	}

	c, rec = request(e, http.MethodPost, "", id)
	if err := h.Reset(c); err != nil {
		t.Fatal(err)
	}
	if v := decodeView(t, rec); len(v.Answers) != 0 {
		t.Errorf("expected answers cleared, got %v", v.Answers)
	}
}

func TestHandler_EnqueueStorageFailureKeepsSession(t *testing.T) {
	h, q, e := newTestHandler(triage.VitalsCatalog(), triage.VitalsPolicy{})
	view := h.store.Create()
	if _, err := h.store.Update(view.ID, func(s *Session) error {
		for i, a := range stableAnswers {
			if err := s.Answer(i, a); err != nil {
				return err
			}
			if err := s.Advance(); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	q.err = &queue.StorageError{Op: "save", Err: errors.New("disk full")}
	c, _ := request(e, http.MethodPost, "", view.ID)
	if code := statusOf(t, h.Enqueue(c)); code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", code)
	}
	if _, err := h.store.Get(view.ID); err != nil {
		t.Errorf("expected session kept for retry, got %v", err)
	}
}
