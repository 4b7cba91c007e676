package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docpipe-go/internal/service"
)

type stubIngestService struct {
	result   *service.IngestResult
	err      error
	gotJobID string
	gotBody  []byte
	gotSig   string
}

func (s *stubIngestService) HandleParseCallback(_ context.Context, jobID string, rawBody []byte, signature string) (*service.IngestResult, error) {
	s.gotJobID = jobID
	s.gotBody = rawBody
	s.gotSig = signature
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

// stubJobService 只关心 DispatchChunking 是否被异步调用。
type stubJobService struct {
	chunkCalls chan string
}

func newStubJobService() *stubJobService {
	return &stubJobService{chunkCalls: make(chan string, 1)}
}

func (s *stubJobService) Get(context.Context, string) (*service.JobDTO, error) {
	return nil, service.ErrJobNotFound
}

func (s *stubJobService) DispatchParse(context.Context, string) error { return nil }

func (s *stubJobService) DispatchChunking(_ context.Context, jobID string) error {
	s.chunkCalls <- jobID
	return nil
}

func (s *stubJobService) Redispatch(context.Context, string) (*service.JobDTO, error) {
	return nil, service.ErrJobNotFound
}

func newWebhookRouter(ingest service.IngestService, jobs service.JobService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewWebhookHandler(ingest, jobs)
	r.POST("/webhook/parse/:job_id", h.HandleParseCallback)
	return r
}

func postCallback(r *gin.Engine, jobID string, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/parse/"+jobID, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type callbackEnvelope struct {
	Code    int                  `json:"code"`
	Message string               `json:"message"`
	Data    service.IngestResult `json:"data"`
	Error   string               `json:"error"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) callbackEnvelope {
	t.Helper()
	var envelope callbackEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	return envelope
}

func TestWebhookCallbackApplied(t *testing.T) {
	ingest := &stubIngestService{result: &service.IngestResult{
		Outcome:      service.IngestApplied,
		JobID:        "job-1",
		DocumentID:   "doc-1",
		ParsedPath:   "users/u/documents/doc-1/parsed.md",
		ParsedSHA256: "ab12",
	}}
	jobs := newStubJobService()
	r := newWebhookRouter(ingest, jobs)

	body := []byte(`{"status":"completed","result":{"md":"text"}}`)
	w := postCallback(r, "job-1", body, "deadbeef")

	require.Equal(t, http.StatusOK, w.Code)
	envelope := decodeEnvelope(t, w)
	assert.Equal(t, http.StatusOK, envelope.Code)
	assert.Equal(t, service.IngestApplied, envelope.Data.Outcome)
	assert.Equal(t, "ab12", envelope.Data.ParsedSHA256)

	// 原始字节与签名头原样传递给摄取层
	assert.Equal(t, "job-1", ingest.gotJobID)
	assert.Equal(t, body, ingest.gotBody)
	assert.Equal(t, "deadbeef", ingest.gotSig)

	// 入库成功后分块派发被异步触发
	select {
	case jobID := <-jobs.chunkCalls:
		assert.Equal(t, "job-1", jobID)
	case <-time.After(2 * time.Second):
		t.Fatal("解析入库后应异步派发分块")
	}
}

func TestWebhookCallbackDuplicateSkipsDispatch(t *testing.T) {
	ingest := &stubIngestService{result: &service.IngestResult{
		Outcome: service.IngestAlreadyProcessed,
		JobID:   "job-1",
	}}
	jobs := newStubJobService()
	r := newWebhookRouter(ingest, jobs)

	w := postCallback(r, "job-1", []byte(`{}`), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, service.IngestAlreadyProcessed, decodeEnvelope(t, w).Data.Outcome)

	select {
	case <-jobs.chunkCalls:
		t.Fatal("重复投递不应再次派发分块")
	default:
	}
}

// 失败类结局同样返回 200：状态已按失败落库，重新投递不会改变结果。
func TestWebhookCallbackFailureOutcomesReturnOK(t *testing.T) {
	for _, outcome := range []service.IngestOutcome{
		service.IngestUpstreamFailed,
		service.IngestContentMissing,
		service.IngestStorageFailed,
	} {
		ingest := &stubIngestService{result: &service.IngestResult{Outcome: outcome, JobID: "job-1"}}
		jobs := newStubJobService()
		r := newWebhookRouter(ingest, jobs)

		w := postCallback(r, "job-1", []byte(`{}`), "")
		require.Equalf(t, http.StatusOK, w.Code, "结局 %s 应返回 200", outcome)

		select {
		case <-jobs.chunkCalls:
			t.Fatalf("结局 %s 不应派发分块", outcome)
		default:
		}
	}
}

func TestWebhookCallbackErrorMapping(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"任务不存在", service.ErrJobNotFound, http.StatusNotFound},
		{"签名校验失败", service.ErrUnauthorized, http.StatusUnauthorized},
		{"载荷非法", service.ErrInvalidPayload, http.StatusBadRequest},
		{"内部错误促使重投", errors.New("db connection lost"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ingest := &stubIngestService{err: tc.err}
			jobs := newStubJobService()
			r := newWebhookRouter(ingest, jobs)

			w := postCallback(r, "job-1", []byte(`{}`), "")
			assert.Equal(t, tc.wantCode, w.Code)
			assert.NotEmpty(t, decodeEnvelope(t, w).Error)

			select {
			case <-jobs.chunkCalls:
				t.Fatal("错误响应不应派发分块")
			default:
			}
		})
	}
}
