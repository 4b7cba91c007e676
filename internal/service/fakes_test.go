package service

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"gorm.io/gorm"

	"docpipe-go/internal/model"
	"docpipe-go/internal/pipeline"
	"docpipe-go/internal/repository"
	"docpipe-go/pkg/parser"
	"docpipe-go/pkg/tasks"
)

// 内存实现的仓储与外部设施。fakeJobRepo 的状态流转复用真正的状态机
// 规则，服务层测试因此覆盖到重复投递与并发推进的判定逻辑。

type fakeDB struct {
	mu      sync.Mutex
	docs    map[string]*model.Document
	jobs    map[string]*model.UploadJob
	applied map[string]bool
	chunks  map[string]*model.DocumentChunk
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		docs:    make(map[string]*model.Document),
		jobs:    make(map[string]*model.UploadJob),
		applied: make(map[string]bool),
		chunks:  make(map[string]*model.DocumentChunk),
	}
}

func (db *fakeDB) seed(doc *model.Document, job *model.UploadJob) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if doc != nil {
		db.docs[doc.DocumentID] = copyDoc(doc)
	}
	if job != nil {
		db.jobs[job.JobID] = copyJob(job)
	}
}

func (db *fakeDB) jobSnapshot(jobID string) *model.UploadJob {
	db.mu.Lock()
	defer db.mu.Unlock()
	if j, ok := db.jobs[jobID]; ok {
		return copyJob(j)
	}
	return nil
}

func (db *fakeDB) docSnapshot(documentID string) *model.Document {
	db.mu.Lock()
	defer db.mu.Unlock()
	if d, ok := db.docs[documentID]; ok {
		return copyDoc(d)
	}
	return nil
}

func copyJob(j *model.UploadJob) *model.UploadJob {
	c := *j
	if j.LastError != nil {
		s := *j.LastError
		c.LastError = &s
	}
	return &c
}

func copyDoc(d *model.Document) *model.Document {
	c := *d
	if d.ParsedPath != nil {
		s := *d.ParsedPath
		c.ParsedPath = &s
	}
	if d.ParsedSHA256 != nil {
		s := *d.ParsedSHA256
		c.ParsedSHA256 = &s
	}
	return &c
}

// --- JobRepository ---

type fakeJobRepo struct {
	db        *fakeDB
	markerErr error
}

func newFakeJobRepo(db *fakeDB) *fakeJobRepo {
	return &fakeJobRepo{db: db}
}

func (f *fakeJobRepo) CreateForDocument(_ context.Context, job *model.UploadJob) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	doc, ok := f.db.docs[job.DocumentID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	for _, j := range f.db.jobs {
		if j.DocumentID == job.DocumentID && j.State != model.StateDone {
			return repository.ErrActiveJobExists
		}
	}
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	f.db.jobs[job.JobID] = copyJob(job)
	doc.ProcessingStatus = job.Status
	return nil
}

func (f *fakeJobRepo) GetByID(_ context.Context, jobID string) (*model.UploadJob, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	j, ok := f.db.jobs[jobID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return copyJob(j), nil
}

func (f *fakeJobRepo) GetWithDocument(ctx context.Context, jobID string) (*model.UploadJob, *model.Document, error) {
	job, err := f.GetByID(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	doc, ok := f.db.docs[job.DocumentID]
	if !ok {
		return nil, nil, gorm.ErrRecordNotFound
	}
	return job, copyDoc(doc), nil
}

func (f *fakeJobRepo) FindActiveByDocument(_ context.Context, documentID string) (*model.UploadJob, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, j := range f.db.jobs {
		if j.DocumentID == documentID && j.State != model.StateDone {
			return copyJob(j), nil
		}
	}
	return nil, nil
}

func (f *fakeJobRepo) ListByDocument(_ context.Context, documentID string) ([]model.UploadJob, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	out := make([]model.UploadJob, 0)
	for _, j := range f.db.jobs {
		if j.DocumentID == documentID {
			out = append(out, *copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

func (f *fakeJobRepo) Transition(ctx context.Context, jobID string, params pipeline.TransitionParams) (*model.UploadJob, error) {
	return f.TransitionChain(ctx, jobID, []pipeline.TransitionParams{params})
}

func (f *fakeJobRepo) TransitionChain(_ context.Context, jobID string, steps []pipeline.TransitionParams) (*model.UploadJob, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	job, ok := f.db.jobs[jobID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	doc := f.db.docs[job.DocumentID]

	// 先在副本上校验整条链，整体成功才落库，模拟事务回滚语义
	trial := copyJob(job)
	for _, step := range steps {
		if step.From != "" && trial.Status != step.From {
			return nil, &pipeline.TransitionError{
				From:   trial.Status,
				To:     step.To,
				Reason: fmt.Sprintf("当前状态与预期的 %s 不符", step.From),
			}
		}
		if err := pipeline.CanTransition(trial.Status, step.To); err != nil {
			return nil, err
		}
		trial.Status = step.To
	}

	for _, step := range steps {
		job.Status = step.To
		job.State = pipeline.DeriveState(step.To, step.Handoff)
		if step.Error != nil {
			job.LastError = model.EncodeJobError(*step.Error)
		}
		if doc != nil {
			doc.ProcessingStatus = step.To
			if step.Parsed != nil {
				p, s := step.Parsed.Path, step.Parsed.SHA256
				doc.ParsedPath = &p
				doc.ParsedSHA256 = &s
			}
		}
	}
	job.UpdatedAt = time.Now()
	return copyJob(job), nil
}

func (f *fakeJobRepo) IsCallbackApplied(_ context.Context, jobID string) (bool, error) {
	if f.markerErr != nil {
		return false, f.markerErr
	}
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	return f.db.applied[jobID], nil
}

func (f *fakeJobRepo) MarkCallbackApplied(_ context.Context, jobID string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	f.db.applied[jobID] = true
	return nil
}

// --- DocumentRepository ---

type fakeDocRepo struct {
	db *fakeDB
}

func newFakeDocRepo(db *fakeDB) *fakeDocRepo {
	return &fakeDocRepo{db: db}
}

func (f *fakeDocRepo) Upsert(_ context.Context, doc *model.Document) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if existing, ok := f.db.docs[doc.DocumentID]; ok {
		existing.Filename = doc.Filename
		existing.Mime = doc.Mime
		existing.BytesLen = doc.BytesLen
		existing.RawPath = doc.RawPath
		existing.UpdatedAt = time.Now()
		return nil
	}
	doc.CreatedAt = time.Now()
	doc.UpdatedAt = doc.CreatedAt
	f.db.docs[doc.DocumentID] = copyDoc(doc)
	return nil
}

func (f *fakeDocRepo) GetByID(_ context.Context, documentID string) (*model.Document, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	d, ok := f.db.docs[documentID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return copyDoc(d), nil
}

func (f *fakeDocRepo) GetSummary(_ context.Context, documentID string) (*repository.DocumentSummary, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	d, ok := f.db.docs[documentID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	s := f.summaryLocked(d)
	return &s, nil
}

func (f *fakeDocRepo) ListSummariesByUser(_ context.Context, userID string) ([]repository.DocumentSummary, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	out := make([]repository.DocumentSummary, 0)
	for _, d := range f.db.docs {
		if d.UserID == userID {
			out = append(out, f.summaryLocked(d))
		}
	}
	return out, nil
}

func (f *fakeDocRepo) summaryLocked(d *model.Document) repository.DocumentSummary {
	var count int64
	for _, c := range f.db.chunks {
		if c.DocumentID == d.DocumentID {
			count++
		}
	}
	return repository.DocumentSummary{
		DocumentID:       d.DocumentID,
		UserID:           d.UserID,
		Filename:         d.Filename,
		Mime:             d.Mime,
		BytesLen:         d.BytesLen,
		FileSHA256:       d.FileSHA256,
		RawPath:          d.RawPath,
		ParsedPath:       d.ParsedPath,
		ParsedSHA256:     d.ParsedSHA256,
		ProcessingStatus: d.ProcessingStatus,
		ChunkCount:       count,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

func (f *fakeDocRepo) Delete(_ context.Context, documentID string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	delete(f.db.docs, documentID)
	for id, j := range f.db.jobs {
		if j.DocumentID == documentID {
			delete(f.db.jobs, id)
		}
	}
	return nil
}

// --- ChunkRepository ---

type fakeChunkRepo struct {
	db *fakeDB
}

func newFakeChunkRepo(db *fakeDB) *fakeChunkRepo {
	return &fakeChunkRepo{db: db}
}

func (f *fakeChunkRepo) ListChunkBuffers(context.Context, string, string, string) ([]model.ChunkBuffer, error) {
	return nil, nil
}

func (f *fakeChunkRepo) ListVectorBuffers(context.Context, string, string, string) ([]model.VectorBuffer, error) {
	return nil, nil
}

func (f *fakeChunkRepo) PromoteChunkBuffers(_ context.Context, _, _, _ string, chunks []*model.DocumentChunk) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, c := range chunks {
		f.db.chunks[c.ChunkID] = c
	}
	return nil
}

func (f *fakeChunkRepo) AttachVectors(context.Context, string, string, string, []pipeline.VectorAttach) error {
	return nil
}

func (f *fakeChunkRepo) ListChunks(_ context.Context, documentID, chunkerName, chunkerVersion string) ([]model.DocumentChunk, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	out := make([]model.DocumentChunk, 0)
	for _, c := range f.db.chunks {
		if c.DocumentID == documentID && c.ChunkerName == chunkerName && c.ChunkerVersion == chunkerVersion {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Ordinal < out[k].Ordinal })
	return out, nil
}

func (f *fakeChunkRepo) DeleteByDocument(_ context.Context, documentID string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for id, c := range f.db.chunks {
		if c.DocumentID == documentID {
			delete(f.db.chunks, id)
		}
	}
	return nil
}

// --- 外部设施 ---

type fakeBlobStore struct {
	mu           sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string
	putCalls     int
	putErr       error
	presignErr   error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{
		objects:      make(map[string][]byte),
		contentTypes: make(map[string]string),
	}
}

func (f *fakeBlobStore) Put(_ context.Context, key string, reader io.Reader, _ int64, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.objects[key] = data
	f.contentTypes[key] = contentType
	f.putCalls++
	return nil
}

func (f *fakeBlobStore) Stat(_ context.Context, key string) (minio.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return minio.ObjectInfo{}, fmt.Errorf("对象不存在: %s", key)
	}
	return minio.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (f *fakeBlobStore) PresignedGetURL(_ context.Context, key string, _ time.Duration) (string, error) {
	if f.presignErr != nil {
		return "", f.presignErr
	}
	return "https://blobs.local/" + key + "?sig=test", nil
}

func (f *fakeBlobStore) RemovePrefix(_ context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			delete(f.objects, key)
			delete(f.contentTypes, key)
		}
	}
	return nil
}

func (f *fakeBlobStore) object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	return data, ok
}

type fakePublisher struct {
	mu    sync.Mutex
	tasks []tasks.PipelineTask
	err   error
}

func (f *fakePublisher) PublishTask(_ context.Context, task tasks.PipelineTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *fakePublisher) published() []tasks.PipelineTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tasks.PipelineTask, len(f.tasks))
	copy(out, f.tasks)
	return out
}

type fakeSubmitter struct {
	mu       sync.Mutex
	requests []parser.SubmitRequest
	err      error
}

func (f *fakeSubmitter) Submit(_ context.Context, req parser.SubmitRequest) (*parser.SubmitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	return &parser.SubmitResponse{ParseID: "parse-0001", Status: "accepted"}, nil
}

func (f *fakeSubmitter) submitted() []parser.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]parser.SubmitRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

type fakeChunkIndex struct {
	mu      sync.Mutex
	deleted []string
	err     error
}

func (f *fakeChunkIndex) DeleteByDocumentID(_ context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, documentID)
	return nil
}

type fakePromoter struct {
	mu     sync.Mutex
	calls  []string
	result *pipeline.PromoteResult
	err    error
}

func (f *fakePromoter) Promote(_ context.Context, jobID string) (*pipeline.PromoteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, jobID)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &pipeline.PromoteResult{Outcome: pipeline.PromoteNoop, JobID: jobID}, nil
}
